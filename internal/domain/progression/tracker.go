package progression

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mathquest/mathquest-progress/internal/domain/shared"
)

// FailureHandler получает начисление, которое не удалось отправить в ledger.
// Вызывается из горутины отправки один раз на неудачный вызов.
type FailureHandler func(grant XPGrantEvent, err error)

// TrackerOption настраивает ProgressTracker.
type TrackerOption func(*ProgressTracker)

// WithLedger задаёт ledger, в который уходят начисления.
func WithLedger(ledger RemoteLedger) TrackerOption {
	return func(t *ProgressTracker) {
		t.ledger = ledger
	}
}

// WithPlayerID задаёт игрока. Без него начисления не отправляются.
func WithPlayerID(id shared.PlayerID) TrackerOption {
	return func(t *ProgressTracker) {
		t.playerID = id
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *slog.Logger) TrackerOption {
	return func(t *ProgressTracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithClock подменяет источник времени для XPGrantEvent.Timestamp.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *ProgressTracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithIDGenerator подменяет генератор ID начислений.
func WithIDGenerator(newID func() string) TrackerOption {
	return func(t *ProgressTracker) {
		if newID != nil {
			t.newID = newID
		}
	}
}

// WithReportTimeout ограничивает время одной отправки в ledger. 0 - без ограничения.
func WithReportTimeout(d time.Duration) TrackerOption {
	return func(t *ProgressTracker) {
		t.reportTimeout = d
	}
}

// WithFailureHandler задаёт обработчик неудачных отправок.
func WithFailureHandler(h FailureHandler) TrackerOption {
	return func(t *ProgressTracker) {
		t.onFailure = h
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS TRACKER
// ══════════════════════════════════════════════════════════════════════════════

// ProgressTracker хранит общий XP одного игрока на время сессии.
// Уровень - кэш CalculateLevel(totalXP), пересчитывается после каждой мутации.
// Все вызовы сериализуются мьютексом.
type ProgressTracker struct {
	mu       sync.Mutex
	totalXP  XP
	level    Level
	observer Observer

	playerID      shared.PlayerID
	ledger        RemoteLedger
	logger        *slog.Logger
	now           func() time.Time
	newID         func() string
	reportTimeout time.Duration
	onFailure     FailureHandler
	closed        bool

	// отправки в ledger; Add только под mu при !closed
	fwdMu    sync.Mutex
	fwdDone  *sync.Cond
	inflight int
}

// NewProgressTracker создаёт трекер на нулевом XP и первом уровне.
func NewProgressTracker(opts ...TrackerOption) *ProgressTracker {
	t := &ProgressTracker{
		level:  MinLevel,
		logger: slog.Default(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	t.fwdDone = sync.NewCond(&t.fwdMu)
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Initialize выставляет состояние без побочных эффектов:
// без уведомлений и без записи в ledger. Отрицательный XP становится нулём.
func (t *ProgressTracker) Initialize(totalXP XP) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if totalXP < 0 {
		totalXP = 0
	}
	t.totalXP = totalXP
	t.level = CalculateLevel(totalXP)
}

// GrantXP начисляет XP с источником SourceGameplay.
func (t *ProgressTracker) GrantXP(amount XP, reason string) (GrantResult, error) {
	return t.GrantXPFrom(amount, reason, shared.SourceGameplay)
}

// GrantXPFrom начисляет XP с явным источником.
//
// Нулевое начисление ничего не делает. Отрицательное или без причины
// отклоняется с ErrInvalidGrant, состояние не меняется, ledger не вызывается.
// После Close любое начисление отклоняется с ErrSessionNotFound.
// Иначе XP прибавляется, наблюдатель получает OnXPChanged и, если уровень
// вырос, ровно один OnLevelUp с итоговым уровнем. Затем начисление
// асинхронно уходит в ledger, если заданы и ledger, и игрок.
func (t *ProgressTracker) GrantXPFrom(amount XP, reason string, source shared.GrantSource) (GrantResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	res := GrantResult{
		PreviousXP:    t.totalXP,
		NewXP:         t.totalXP,
		PreviousLevel: t.level,
		NewLevel:      t.level,
	}

	if t.closed {
		return res, fmt.Errorf("%w: tracker is closed", shared.ErrSessionNotFound)
	}
	if amount == 0 {
		return res, nil
	}
	if strings.TrimSpace(reason) == "" {
		return res, fmt.Errorf("%w: reason is required", shared.ErrInvalidGrant)
	}
	if amount < 0 {
		t.logger.Warn("xp grant rejected",
			"player_id", t.playerID.String(),
			"amount", int64(amount),
			"reason", reason,
		)
		return res, fmt.Errorf("%w: got %d", shared.ErrInvalidGrant, amount)
	}
	if source == "" {
		source = shared.SourceGameplay
	}

	t.totalXP = addSat(t.totalXP, amount)
	t.level = CalculateLevel(t.totalXP)

	res.Applied = true
	res.NewXP = t.totalXP
	res.NewLevel = t.level
	res.LeveledUp = t.level > res.PreviousLevel
	res.Grant = XPGrantEvent{
		ID:        t.newID(),
		PlayerID:  t.playerID,
		Amount:    amount,
		Reason:    reason,
		Source:    source,
		Timestamp: t.now(),
	}

	if t.observer != nil {
		t.observer.OnXPChanged(t.totalXP)
		if res.LeveledUp {
			t.observer.OnLevelUp(t.level)
		}
	}

	if t.ledger != nil && !t.playerID.IsEmpty() {
		t.forward(res.Grant)
		res.Forwarded = true
	}

	return res, nil
}

// SetDisplay подключает или заменяет наблюдателя и сразу отправляет ему
// текущий XP. nil отключает наблюдателя.
func (t *ProgressTracker) SetDisplay(observer Observer) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.observer = observer
	if observer != nil {
		observer.OnXPChanged(t.totalXP)
	}
}

// TotalXP возвращает текущий общий XP.
func (t *ProgressTracker) TotalXP() XP {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalXP
}

// Level возвращает текущий уровень.
func (t *ProgressTracker) Level() Level {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.level
}

// Snapshot возвращает производные величины текущего состояния.
func (t *ProgressTracker) Snapshot() LevelSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot(t.totalXP)
}

// PlayerID возвращает игрока трекера.
func (t *ProgressTracker) PlayerID() shared.PlayerID {
	return t.playerID
}

// Wait блокируется до завершения всех уже начатых отправок в ledger.
// Безопасен при параллельных начислениях; начисления после возврата
// снова могут запустить отправки.
func (t *ProgressTracker) Wait() {
	t.fwdMu.Lock()
	defer t.fwdMu.Unlock()
	for t.inflight > 0 {
		t.fwdDone.Wait()
	}
}

// Close запрещает новые начисления и дожидается отправок.
// Повторный вызов безопасен.
func (t *ProgressTracker) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	t.Wait()
}

// Closed сообщает, был ли вызван Close.
func (t *ProgressTracker) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// forward отправляет начисление в фоне. Контекст отвязан от вызывающего,
// таймаут задаёт reportTimeout. Ошибка логируется один раз, повторов нет.
// Вызывается под mu.
func (t *ProgressTracker) forward(grant XPGrantEvent) {
	ledger, logger, timeout, onFailure := t.ledger, t.logger, t.reportTimeout, t.onFailure

	t.fwdMu.Lock()
	t.inflight++
	t.fwdMu.Unlock()

	go func() {
		defer t.forwardDone()

		ctx := context.Background()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		err := ReportGrant(ctx, ledger, grant)
		if err == nil {
			logger.Debug("xp delta reported",
				"player_id", grant.PlayerID.String(),
				"grant_id", grant.ID,
				"amount", int64(grant.Amount),
			)
			return
		}

		err = fmt.Errorf("%w: %w", shared.ErrRemoteReportFailed, err)
		logger.Warn("failed to report xp delta",
			"player_id", grant.PlayerID.String(),
			"grant_id", grant.ID,
			"amount", int64(grant.Amount),
			"reason", grant.Reason,
			"error", err,
		)
		if onFailure != nil {
			onFailure(grant, err)
		}
	}()
}

func (t *ProgressTracker) forwardDone() {
	t.fwdMu.Lock()
	defer t.fwdMu.Unlock()
	t.inflight--
	if t.inflight == 0 {
		t.fwdDone.Broadcast()
	}
}
