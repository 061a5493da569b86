package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"whatsapp-hub/store"
	"whatsapp-hub/types"
)

// CreateRequest describes a new instance.
type CreateRequest struct {
	Phone string `json:"phone"`
	Name  string `json:"name"`
	Alias string `json:"alias"`
}

// AccountManager is the registry of live instance controllers, keyed by
// normalized phone number.
type AccountManager struct {
	deps Deps
	log  zerolog.Logger

	mutex sync.RWMutex
	bots  map[string]*Bot
}

// NewAccountManager creates a new account manager
func NewAccountManager(deps Deps) *AccountManager {
	return &AccountManager{
		deps: deps,
		log:  deps.Log.With().Str("component", "registry").Logger(),
		bots: make(map[string]*Bot),
	}
}

// Create persists a new instance, registers its controller and starts
// connecting. An initialization failure is returned but the instance stays
// registered in the error state.
func (am *AccountManager) Create(ctx context.Context, req CreateRequest) (*Bot, error) {
	phone, err := NormalizePhone(req.Phone)
	if err != nil {
		return nil, err
	}

	am.mutex.Lock()
	if _, exists := am.bots[phone]; exists {
		am.mutex.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, phone)
	}
	if _, err := am.deps.Instances.GetByPhone(ctx, phone); err == nil {
		am.mutex.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, phone)
	} else if !errors.Is(err, store.ErrNotFound) {
		am.mutex.Unlock()
		return nil, fmt.Errorf("lookup %s: %w", phone, err)
	}

	inst := &types.Instance{
		Phone:            phone,
		Name:             req.Name,
		Alias:            req.Alias,
		Status:           types.InstanceInactive,
		ConnectionStatus: types.StatusDisconnected,
	}
	if err := am.deps.Instances.Create(ctx, inst); err != nil {
		am.mutex.Unlock()
		return nil, fmt.Errorf("persist %s: %w", phone, err)
	}
	bot := NewBot(*inst, am.deps)
	am.bots[phone] = bot
	am.mutex.Unlock()

	am.log.Info().Str("instance", phone).Msg("instance created")
	return bot, bot.Init(ctx)
}

// Delete logs the instance out, forgets it and removes its persisted record
// and stored credentials.
func (am *AccountManager) Delete(ctx context.Context, phone string) error {
	phone, err := NormalizePhone(phone)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	am.mutex.Lock()
	bot, live := am.bots[phone]
	delete(am.bots, phone)
	am.mutex.Unlock()

	var inst types.Instance
	if live {
		inst = bot.Instance()
		if err := bot.Logout(ctx); err != nil {
			am.log.Warn().Err(err).Str("instance", phone).Msg("logout during delete failed")
		}
		bot.Close()
	} else {
		row, err := am.deps.Instances.GetByPhone(ctx, phone)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, phone)
		}
		if err != nil {
			return err
		}
		inst = *row
	}

	if err := am.deps.Sockets.RemoveAuth(ctx, &inst); err != nil {
		am.log.Warn().Err(err).Str("instance", phone).Msg("failed to remove credentials")
	}
	if err := am.deps.Instances.Delete(ctx, phone); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete %s: %w", phone, err)
	}
	am.log.Info().Str("instance", phone).Msg("instance deleted")
	return nil
}

// Restart runs the manual restart of a live instance. A persisted instance
// without a controller is brought up instead.
func (am *AccountManager) Restart(ctx context.Context, phone string) error {
	phone, err := NormalizePhone(phone)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if bot, ok := am.GetBot(phone); ok {
		return bot.Restart(ctx)
	}

	row, err := am.deps.Instances.GetByPhone(ctx, phone)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, phone)
	}
	if err != nil {
		return err
	}
	bot, started := am.adopt(*row)
	if !started {
		return bot.Restart(ctx)
	}
	return bot.Init(ctx)
}

// adopt registers a controller for a persisted row unless one appeared in
// the meantime. started reports whether a new controller was created.
func (am *AccountManager) adopt(row types.Instance) (bot *Bot, started bool) {
	am.mutex.Lock()
	defer am.mutex.Unlock()
	if existing, ok := am.bots[row.Phone]; ok {
		return existing, false
	}
	bot = NewBot(row, am.deps)
	am.bots[row.Phone] = bot
	return bot, true
}

// GetBot retrieves a live controller
func (am *AccountManager) GetBot(phone string) (*Bot, bool) {
	if normalized, err := NormalizePhone(phone); err == nil {
		phone = normalized
	}
	am.mutex.RLock()
	defer am.mutex.RUnlock()
	bot, exists := am.bots[phone]
	return bot, exists
}

// List returns every persisted instance, with live state where a
// controller exists.
func (am *AccountManager) List(ctx context.Context) ([]State, error) {
	rows, err := am.deps.Instances.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]State, 0, len(rows))
	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		seen[row.Phone] = true
		if bot, ok := am.GetBot(row.Phone); ok {
			out = append(out, bot.State())
			continue
		}
		out = append(out, State{Instance: *row})
	}

	am.mutex.RLock()
	for phone, bot := range am.bots {
		if !seen[phone] {
			out = append(out, bot.State())
		}
	}
	am.mutex.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Phone < out[j].Phone })
	return out, nil
}

// GetByPhone returns the live state, falling back to the persisted record.
func (am *AccountManager) GetByPhone(ctx context.Context, phone string) (State, error) {
	if bot, ok := am.GetBot(phone); ok {
		return bot.State(), nil
	}
	normalized, err := NormalizePhone(phone)
	if err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	row, err := am.deps.Instances.GetByPhone(ctx, normalized)
	if errors.Is(err, store.ErrNotFound) {
		return State{}, fmt.Errorf("%w: %s", ErrNotFound, normalized)
	}
	if err != nil {
		return State{}, err
	}
	return State{Instance: *row}, nil
}

// Bootstrap brings up every instance whose last persisted status was
// active or connecting. Initialization failures are logged, not returned.
func (am *AccountManager) Bootstrap(ctx context.Context) (int, error) {
	rows, err := am.deps.Instances.ListByStatus(ctx, types.InstanceActive, types.InstanceConnecting)
	if err != nil {
		return 0, fmt.Errorf("bootstrap: %w", err)
	}

	p := pool.New().WithMaxGoroutines(4)
	started := 0
	for _, row := range rows {
		bot, fresh := am.adopt(*row)
		if !fresh {
			continue
		}
		started++
		p.Go(func() {
			if err := bot.Init(ctx); err != nil {
				am.log.Error().Err(err).Str("instance", bot.Phone()).Msg("bootstrap initialization failed")
			}
		})
	}
	p.Wait()
	am.log.Info().Int("instances", started).Msg("bootstrap finished")
	return started, nil
}

// Statuses counts live controllers by connection status.
func (am *AccountManager) Statuses() map[types.ConnectionStatus]int {
	am.mutex.RLock()
	defer am.mutex.RUnlock()
	out := make(map[types.ConnectionStatus]int)
	for _, bot := range am.bots {
		out[bot.Status()]++
	}
	return out
}

// Close stops every controller. Persisted statuses are kept for the next
// bootstrap.
func (am *AccountManager) Close() {
	am.mutex.Lock()
	bots := make([]*Bot, 0, len(am.bots))
	for _, bot := range am.bots {
		bots = append(bots, bot)
	}
	am.bots = make(map[string]*Bot)
	am.mutex.Unlock()

	for _, bot := range bots {
		bot.Close()
	}
}
