// Package credential rotates provider calls across a set of API keys so a
// long labeling job can keep going when individual keys hit their quota.
package credential

import (
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/groundtruth/internal/model"
)

// ErrNoCredentials is returned when neither standard nor premium keys are configured.
var ErrNoCredentials = eris.New("credential: no credentials configured")

const defaultFailureThreshold = 2

// PoolConfig controls how the pool rotates between slots.
type PoolConfig struct {
	// StandardKeys are the quota-limited keys, rotated circularly.
	StandardKeys []string

	// PremiumKey is the optional paid fallback. Once selected it is never left.
	PremiumKey string

	// FailureThreshold is the number of failures a standard slot absorbs
	// before the pool moves on. Default: 2.
	FailureThreshold int

	// MaxConsecutiveFailures is the pool-wide count of failures without an
	// intervening success required before a completed circuit of standard
	// slots switches to premium. Default: one full circuit
	// (len(StandardKeys) * FailureThreshold).
	MaxConsecutiveFailures int

	// OnRotate is called (under the pool lock) after every slot change.
	OnRotate func(from, to model.CredentialSlot)
}

// Snapshot is a point-in-time view of the pool for status reporting.
type Snapshot struct {
	Active              model.CredentialSlot   `json:"active"`
	Standard            []model.CredentialSlot `json:"standard"`
	HasPremium          bool                   `json:"has_premium"`
	OnPremium           bool                   `json:"on_premium"`
	ConsecutiveFailures int                    `json:"consecutive_failures"`
	Rotations           int                    `json:"rotations"`
}

// Pool holds the credential slots and selects the active one. It is safe for
// concurrent use.
type Pool struct {
	cfg PoolConfig

	mu          sync.Mutex
	standard    []model.CredentialSlot
	premium     *model.CredentialSlot
	current     int
	onPremium   bool
	consecutive int
	rotations   int
}

// NewPool builds a pool from configured keys. Blank keys are ignored.
func NewPool(cfg PoolConfig) (*Pool, error) {
	p := &Pool{cfg: cfg}
	for _, k := range cfg.StandardKeys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		p.standard = append(p.standard, model.CredentialSlot{
			Index: len(p.standard),
			Tier:  model.TierStandard,
			Key:   k,
		})
	}
	if k := strings.TrimSpace(cfg.PremiumKey); k != "" {
		p.premium = &model.CredentialSlot{Index: -1, Tier: model.TierPremium, Key: k}
	}
	if len(p.standard) == 0 && p.premium == nil {
		return nil, ErrNoCredentials
	}

	if p.cfg.FailureThreshold <= 0 {
		p.cfg.FailureThreshold = defaultFailureThreshold
	}
	if p.cfg.MaxConsecutiveFailures <= 0 {
		p.cfg.MaxConsecutiveFailures = len(p.standard) * p.cfg.FailureThreshold
	}
	if len(p.standard) == 0 {
		p.onPremium = true
	}

	zap.L().Info("credential pool ready",
		zap.Int("standard_slots", len(p.standard)),
		zap.Bool("premium", p.premium != nil),
		zap.Int("failure_threshold", p.cfg.FailureThreshold),
		zap.Int("max_consecutive_failures", p.cfg.MaxConsecutiveFailures),
	)
	return p, nil
}

// Active returns the currently selected slot.
func (p *Pool) Active() model.CredentialSlot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeLocked()
}

// RecordSuccess resets the slot's failure counter and the pool-wide streak.
func (p *Pool) RecordSuccess(slot model.CredentialSlot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.consecutive = 0
	if s := p.slotLocked(slot); s != nil {
		s.Failures = 0
	}
}

// RecordFailure charges a failed call to the pool. When the active standard
// slot has already absorbed FailureThreshold failures, the pool rotates
// first and the failure opens the tally of the newly active slot, which is
// where the retry of this call will run. Failures reported against a slot
// that is no longer active only extend the pool-wide streak.
func (p *Pool) RecordFailure(slot model.CredentialSlot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.consecutive++
	if !p.isActiveLocked(slot) {
		return
	}
	if p.onPremium {
		p.premium.Failures++
		return
	}

	cur := &p.standard[p.current]
	if cur.Failures >= p.cfg.FailureThreshold {
		p.rotateLocked()
	}
	if p.onPremium {
		p.premium.Failures++
		return
	}
	p.standard[p.current].Failures++
}

// Snapshot returns a copy of the pool state.
func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	std := make([]model.CredentialSlot, len(p.standard))
	copy(std, p.standard)
	for i := range std {
		std[i].Key = ""
	}
	active := p.activeLocked()
	active.Key = ""
	return Snapshot{
		Active:              active,
		Standard:            std,
		HasPremium:          p.premium != nil,
		OnPremium:           p.onPremium,
		ConsecutiveFailures: p.consecutive,
		Rotations:           p.rotations,
	}
}

// Size returns the number of configured slots including premium.
func (p *Pool) Size() int {
	n := len(p.standard)
	if p.premium != nil {
		n++
	}
	return n
}

func (p *Pool) activeLocked() model.CredentialSlot {
	if p.onPremium {
		return *p.premium
	}
	return p.standard[p.current]
}

func (p *Pool) isActiveLocked(slot model.CredentialSlot) bool {
	if p.onPremium {
		return slot.Premium()
	}
	return !slot.Premium() && slot.Index == p.current
}

func (p *Pool) slotLocked(slot model.CredentialSlot) *model.CredentialSlot {
	if slot.Premium() {
		return p.premium
	}
	if slot.Index < 0 || slot.Index >= len(p.standard) {
		return nil
	}
	return &p.standard[slot.Index]
}

// rotateLocked advances to the next standard slot. Wrapping past the last
// slot completes a circuit and may switch to premium.
func (p *Pool) rotateLocked() {
	from := p.standard[p.current]
	p.standard[p.current].Failures = 0

	next := (p.current + 1) % len(p.standard)
	wrapped := next == 0

	if wrapped && p.premium != nil && p.consecutive >= p.cfg.MaxConsecutiveFailures {
		p.onPremium = true
		p.rotations++
		zap.L().Warn("credential pool switched to premium slot",
			zap.String("from", from.Label()),
			zap.Int("consecutive_failures", p.consecutive),
		)
		p.notify(from, *p.premium)
		return
	}

	p.current = next
	if len(p.standard) == 1 {
		zap.L().Warn("credential pool has a single standard slot, retrying on it",
			zap.Int("consecutive_failures", p.consecutive),
		)
		return
	}
	p.rotations++
	zap.L().Warn("credential pool rotated",
		zap.String("from", from.Label()),
		zap.String("to", p.standard[p.current].Label()),
		zap.Bool("circuit_complete", wrapped),
		zap.Int("consecutive_failures", p.consecutive),
	)
	p.notify(from, p.standard[p.current])
}

func (p *Pool) notify(from, to model.CredentialSlot) {
	if p.cfg.OnRotate == nil {
		return
	}
	from.Key, to.Key = "", ""
	p.cfg.OnRotate(from, to)
}
