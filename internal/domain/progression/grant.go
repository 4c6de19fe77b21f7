package progression

import (
	"time"

	"github.com/mathquest/mathquest-progress/internal/domain/shared"
)

// XPGrantEvent - запись об одном начислении. Уходит в ledger как элемент
// журнала и локально не хранится.
type XPGrantEvent struct {
	ID        string             `json:"id"`
	PlayerID  shared.PlayerID    `json:"player_id"`
	Amount    XP                 `json:"amount"`
	Reason    string             `json:"reason"`
	Source    shared.GrantSource `json:"source"`
	Timestamp time.Time          `json:"timestamp"`
}

// GrantResult - итог одного вызова GrantXP.
type GrantResult struct {
	// Applied - false для нулевого и отклонённого начисления.
	Applied bool `json:"applied"`

	// Grant заполнен только когда Applied.
	Grant XPGrantEvent `json:"grant"`

	PreviousXP    XP    `json:"previous_xp"`
	NewXP         XP    `json:"new_xp"`
	PreviousLevel Level `json:"previous_level"`
	NewLevel      Level `json:"new_level"`
	LeveledUp     bool  `json:"leveled_up"`

	// Forwarded - начисление поставлено в очередь отправки в ledger.
	Forwarded bool `json:"forwarded"`
}

// LevelsGained возвращает число пересечённых границ уровней.
func (r GrantResult) LevelsGained() int {
	return int(r.NewLevel - r.PreviousLevel)
}
