// Package progression содержит ядро прогрессии игрока MathQuest.
//
// Пакет определяет:
//
//   - LevelEngine: чистые функции перевода общего XP в уровень и обратно
//   - ProgressTracker: состояние одного игрока на время игровой сессии
//   - Порты: RemoteLedger, ProfileSource, Observer
//   - XPGrantEvent: запись об одном начислении для журнала ledger
//
// # Кривая уровней
//
// Порог перехода с уровня L на L+1 равен round(100 * 1.5^(L-1)).
// Порог всегда считается от сырой экспоненты, а не от предыдущего
// округлённого значения:
//
//	XPForNextLevel(1) // 100
//	XPForNextLevel(2) // 150
//	XPForNextLevel(4) // 338
//
// Уровень - производная величина. Он никогда не хранится отдельно от XP
// и пересчитывается после каждого изменения:
//
//	level := CalculateLevel(250) // 3
//	snap := Snapshot(300)        // level 3, progress 50 из 225
//
// # Граница int64
//
// Суммарный XP для уровней выше ReachableMaxLevel() не помещается в int64.
// Вся арифметика насыщающая: значение сверх math.MaxInt64 становится
// InfiniteXP, циклы ограничены MaxLevel.
//
// # Трекер
//
// ProgressTracker сериализует вызовы мьютексом. Начисление применяется
// локально сразу, а отправка в ledger идёт в отдельной горутине:
//
//	tracker := NewProgressTracker(
//	    WithPlayerID(playerID),
//	    WithLedger(ledger),
//	    WithLogger(logger),
//	)
//	tracker.Initialize(startingXP)
//	tracker.SetDisplay(hud)
//	res, err := tracker.GrantXP(100, "quiz")
//
// Ошибка ledger никогда не откатывает локальное состояние.
package progression
