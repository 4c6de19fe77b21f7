package progression

import (
	"context"
	"time"

	"github.com/mathquest/mathquest-progress/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ПОРТЫ (реализуются в infrastructure)
// ══════════════════════════════════════════════════════════════════════════════

// RemoteLedger - внешний авторитетный журнал XP.
// Трекер вызывает его после успешного локального начисления.
type RemoteLedger interface {
	ReportDelta(ctx context.Context, playerID shared.PlayerID, delta XP, reason string, source shared.GrantSource) error
}

// GrantRecorder - необязательное расширение RemoteLedger.
// Если ledger его реализует, трекер передаёт всё событие целиком,
// и ID начисления служит ключом идемпотентности при повторах.
type GrantRecorder interface {
	RecordGrant(ctx context.Context, grant XPGrantEvent) error
}

// GrantRecord - строка журнала начислений в ledger.
type GrantRecord struct {
	ID        string             `json:"id"`
	PlayerID  shared.PlayerID    `json:"player_id"`
	Amount    XP                 `json:"amount"`
	Reason    string             `json:"reason"`
	Source    shared.GrantSource `json:"source"`
	GrantedAt time.Time          `json:"granted_at"`
}

// GrantHistory - необязательная возможность хранилища: последние начисления
// игрока, новые первыми.
type GrantHistory interface {
	RecentGrants(ctx context.Context, playerID shared.PlayerID, limit int) ([]GrantRecord, error)
}

// ProfileSource отдаёт стартовый общий XP игрока на начало сессии.
type ProfileSource interface {
	LoadStartingXP(ctx context.Context, playerID shared.PlayerID) (XP, error)
}

// Ledger - то, что реализуют адаптеры хранилищ.
type Ledger interface {
	RemoteLedger
	ProfileSource
}

// Observer получает уведомления трекера (HUD, шина событий, websocket).
// Вызовы идут под мьютексом трекера: обратный вызов трекера из Observer
// приведёт к взаимной блокировке.
type Observer interface {
	OnXPChanged(total XP)
	OnLevelUp(level Level)
}

// ObserverFuncs адаптирует пару функций к Observer. Nil-поля пропускаются.
type ObserverFuncs struct {
	XPChanged func(total XP)
	LevelUp   func(level Level)
}

// OnXPChanged implements Observer.
func (o ObserverFuncs) OnXPChanged(total XP) {
	if o.XPChanged != nil {
		o.XPChanged(total)
	}
}

// OnLevelUp implements Observer.
func (o ObserverFuncs) OnLevelUp(level Level) {
	if o.LevelUp != nil {
		o.LevelUp(level)
	}
}

// MultiObserver рассылает уведомления всем наблюдателям по порядку.
type MultiObserver []Observer

// OnXPChanged implements Observer.
func (m MultiObserver) OnXPChanged(total XP) {
	for _, o := range m {
		if o != nil {
			o.OnXPChanged(total)
		}
	}
}

// OnLevelUp implements Observer.
func (m MultiObserver) OnLevelUp(level Level) {
	for _, o := range m {
		if o != nil {
			o.OnLevelUp(level)
		}
	}
}

// ReportGrant отправляет начисление в ledger, предпочитая GrantRecorder.
func ReportGrant(ctx context.Context, ledger RemoteLedger, grant XPGrantEvent) error {
	if rec, ok := ledger.(GrantRecorder); ok {
		return rec.RecordGrant(ctx, grant)
	}
	return ledger.ReportDelta(ctx, grant.PlayerID, grant.Amount, grant.Reason, grant.Source)
}
