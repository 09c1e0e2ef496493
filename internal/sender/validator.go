package sender

import (
	"fmt"
	"time"

	"github.com/maypok86/otter"

	"github.com/kellyson520/tg-forwarder/internal/models"
	"github.com/kellyson520/tg-forwarder/pkg/util"
)

const invalidEntityTTL = time.Hour

// Validator remembers targets the platform reported as gone, so sends to
// them fail fast instead of being retried.
type Validator struct {
	invalid otter.Cache[int64, string]
}

func NewValidator(ttl time.Duration) *Validator {
	return &Validator{invalid: util.NewTTLCache[int64, string](10_000, ttl)}
}

func (v *Validator) MarkInvalid(target int64, reason string) {
	v.invalid.Set(target, reason)
}

func (v *Validator) Forget(target int64) {
	v.invalid.Delete(target)
}

func (v *Validator) Check(target int64) error {
	reason, ok := v.invalid.Get(target)
	if !ok {
		return nil
	}
	return models.Permanent(fmt.Errorf("%w: chat %d: %s", models.ErrPermanentEntity, target, reason))
}
