package ports

import (
	"rillcall/internal/core/domain"
	"rillcall/pkg/errors"
)

// Observer receives copies of coordinator state after every mutation.
// Methods run on the coordinator's event loop and must not block.
type Observer interface {
	OnRosterChanged(roster []domain.StreamInfo)
	OnToggleStateChanged(state domain.ToggleState)
	OnCondition(cond *errors.AppError)
}
