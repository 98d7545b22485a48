// Package scanner owns the in-memory registry of scanner users and their
// scanners. The cache is filled by Load and dropped by Close; every write
// goes to the Repository first and to the cache only once it succeeded.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/game-data-manager/internal/errors"
	"github.com/game-data-manager/internal/logging"
	"github.com/game-data-manager/internal/models"
)

// Repository persists users and scanners.
type Repository interface {
	LoadUsers(ctx context.Context) ([]models.User, error)
	LoadScanners(ctx context.Context) ([]models.Scanner, error)
	// CreateUser inserts u and sets its ID.
	CreateUser(ctx context.Context, u *models.User) error
	UpdateUser(ctx context.Context, id int64, flags models.UserFlag, disabled bool) error
	// CreateScanner inserts s and sets its ID.
	CreateScanner(ctx context.Context, s *models.Scanner) error
	SetScannerDisabled(ctx context.Context, id int64, disabled bool) error
	// CountPriceRecords counts price rows of both kinds referencing the scanner.
	CountPriceRecords(ctx context.Context, scannerID int64) (int64, error)
	DeleteScanner(ctx context.Context, id int64) error
}

// Registry caches users and scanners for the lifetime of the process.
type Registry struct {
	repo     Repository
	logger   *logging.Logger
	hashCost int

	// createMu serializes scanner creation
	createMu sync.Mutex

	mu          sync.RWMutex
	loaded      bool
	users       map[int64]*models.User
	usersByName map[string]*models.User
	scanners    map[int64]*models.Scanner
}

// NewRegistry creates an empty registry. Call Load before use.
func NewRegistry(repo Repository, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Registry{
		repo:        repo,
		logger:      logger.WithField("component", "scanner_registry"),
		hashCost:    bcrypt.DefaultCost,
		users:       make(map[int64]*models.User),
		usersByName: make(map[string]*models.User),
		scanners:    make(map[int64]*models.Scanner),
	}
}

// SetHashCost sets the bcrypt cost for passwords hashed from now on.
func (r *Registry) SetHashCost(cost int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hashCost = cost
}

// Load replaces the cache with the repository contents.
func (r *Registry) Load(ctx context.Context) error {
	users, err := r.repo.LoadUsers(ctx)
	if err != nil {
		return fmt.Errorf("failed to load users: %w", err)
	}
	scanners, err := r.repo.LoadScanners(ctx)
	if err != nil {
		return fmt.Errorf("failed to load scanners: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = make(map[int64]*models.User, len(users))
	r.usersByName = make(map[string]*models.User, len(users))
	for i := range users {
		u := users[i]
		r.users[u.ID] = &u
		r.usersByName[u.Username] = &u
	}
	r.scanners = make(map[int64]*models.Scanner, len(scanners))
	for i := range scanners {
		s := scanners[i]
		r.scanners[s.ID] = &s
	}
	r.loaded = true

	r.logger.WithFields(map[string]interface{}{
		"users":    len(users),
		"scanners": len(scanners),
	}).Info("Scanner registry loaded")
	return nil
}

// Close drops the cache.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = make(map[int64]*models.User)
	r.usersByName = make(map[string]*models.User)
	r.scanners = make(map[int64]*models.Scanner)
	r.loaded = false
}

// Authenticate resolves credentials to a user.
func (r *Registry) Authenticate(username, password string) (*models.User, error) {
	r.mu.RLock()
	u, ok := r.usersByName[username]
	var user models.User
	if ok {
		user = *u
	}
	r.mu.RUnlock()

	if !ok || bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)) != nil {
		return nil, apperrors.NewUnauthorizedError("invalid username or password")
	}
	if user.Disabled {
		return nil, apperrors.NewForbiddenError("user is disabled")
	}
	return &user, nil
}

// CreateUser adds a user with a hashed password.
func (r *Registry) CreateUser(ctx context.Context, username, password string, flags models.UserFlag, maxScanners int) (*models.User, error) {
	if username == "" {
		return nil, apperrors.NewInvalidParameterError("username", "must not be empty")
	}
	if password == "" {
		return nil, apperrors.NewInvalidParameterError("password", "must not be empty")
	}

	r.mu.RLock()
	_, exists := r.usersByName[username]
	r.mu.RUnlock()
	if exists {
		return nil, apperrors.NewConflictError(fmt.Sprintf("user %s already exists", username))
	}

	r.mu.RLock()
	cost := r.hashCost
	r.mu.RUnlock()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to hash password", err)
	}
	u := &models.User{
		Username:    username,
		Password:    string(hash),
		Flags:       flags,
		MaxScanners: maxScanners,
	}
	if err := r.repo.CreateUser(ctx, u); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.users[u.ID] = u
	r.usersByName[u.Username] = u
	r.mu.Unlock()

	cp := *u
	return &cp, nil
}

// User returns a copy of the user with id.
func (r *Registry) User(id int64) (*models.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return nil, false
	}
	cp := *u
	return &cp, true
}

// UpdateUser changes a user's flags and disabled state. A user left
// without any scan privilege has all of its scanners disabled.
func (r *Registry) UpdateUser(ctx context.Context, id int64, flags models.UserFlag, disabled bool) error {
	r.mu.RLock()
	u, ok := r.users[id]
	r.mu.RUnlock()
	if !ok {
		return apperrors.NewNotFoundError("user", fmt.Sprint(id))
	}

	if err := r.repo.UpdateUser(ctx, id, flags, disabled); err != nil {
		return err
	}

	r.mu.Lock()
	u.Flags = flags
	u.Disabled = disabled
	lostPrivilege := !u.CanScan(models.CategoryPlayer) && !u.CanScan(models.CategoryTrader)
	var owned []int64
	for _, s := range r.scanners {
		if s.UserID == id && !s.Disabled {
			owned = append(owned, s.ID)
		}
	}
	r.mu.Unlock()

	if !lostPrivilege {
		return nil
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i] < owned[j] })
	for _, scannerID := range owned {
		if err := r.SetScannerDisabled(ctx, scannerID, true); err != nil {
			return err
		}
	}
	if len(owned) > 0 {
		r.logger.WithFields(map[string]interface{}{
			"userId":   id,
			"scanners": owned,
		}).Warn("User lost scan privilege, scanners disabled")
	}
	return nil
}

// GetOrCreateScanner returns the user's scanner called name, creating it
// on first registration. Creation is refused once the user owns
// MaxScanners scanners.
func (r *Registry) GetOrCreateScanner(ctx context.Context, user *models.User, name string) (*models.Scanner, error) {
	if name == "" {
		return nil, apperrors.NewInvalidParameterError("scanner", "name must not be empty")
	}

	if s, _ := r.findScanner(user.ID, name); s != nil {
		return s, nil
	}

	r.createMu.Lock()
	defer r.createMu.Unlock()

	existing, owned := r.findScanner(user.ID, name)
	if existing != nil {
		return existing, nil
	}

	if !user.CanScan(models.CategoryPlayer) && !user.CanScan(models.CategoryTrader) {
		return nil, apperrors.NewForbiddenError("user may not register scanners")
	}
	if user.MaxScanners > 0 && owned >= user.MaxScanners {
		return nil, apperrors.NewForbiddenError(fmt.Sprintf("user already has %d of %d scanners", owned, user.MaxScanners))
	}

	s := &models.Scanner{Name: name, UserID: user.ID}
	if err := r.repo.CreateScanner(ctx, s); err != nil {
		if !errors.Is(err, apperrors.ErrConflict) {
			return nil, err
		}
		// another process created it first
		stored, lerr := r.loadScanner(ctx, user.ID, name)
		if lerr != nil {
			return nil, err
		}
		s = stored
	}

	r.mu.Lock()
	r.scanners[s.ID] = s
	r.mu.Unlock()

	r.logger.WithFields(map[string]interface{}{
		"scannerId": s.ID,
		"scanner":   name,
		"user":      user.Username,
	}).Info("Scanner registered")
	cp := *s
	return &cp, nil
}

// findScanner returns a copy of the user's scanner called name, or nil,
// and the number of scanners the user owns.
func (r *Registry) findScanner(userID int64, name string) (*models.Scanner, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var owned int
	for _, s := range r.scanners {
		if s.UserID != userID {
			continue
		}
		if s.Name == name {
			cp := *s
			return &cp, owned
		}
		owned++
	}
	return nil, owned
}

func (r *Registry) loadScanner(ctx context.Context, userID int64, name string) (*models.Scanner, error) {
	scanners, err := r.repo.LoadScanners(ctx)
	if err != nil {
		return nil, err
	}
	for i := range scanners {
		if scanners[i].UserID == userID && scanners[i].Name == name {
			return &scanners[i], nil
		}
	}
	return nil, apperrors.NewNotFoundError("scanner", name)
}

// Scanner returns a copy of the scanner with id.
func (r *Registry) Scanner(id int64) (*models.Scanner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scanners[id]
	if !ok {
		return nil, false
	}
	cp := *s
	return &cp, true
}

// Scanners returns copies of every scanner ordered by id.
func (r *Registry) Scanners() []models.Scanner {
	r.mu.RLock()
	out := make([]models.Scanner, 0, len(r.scanners))
	for _, s := range r.scanners {
		out = append(out, *s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DisabledScanners returns the ids of scanners that may not hold leases:
// disabled scanners and scanners whose owner is disabled.
func (r *Registry) DisabledScanners() []int64 {
	r.mu.RLock()
	var out []int64
	for _, s := range r.scanners {
		u := r.users[s.UserID]
		if s.Disabled || u == nil || u.Disabled {
			out = append(out, s.ID)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SetScannerDisabled enables or disables a scanner.
func (r *Registry) SetScannerDisabled(ctx context.Context, id int64, disabled bool) error {
	r.mu.RLock()
	s, ok := r.scanners[id]
	r.mu.RUnlock()
	if !ok {
		return apperrors.NewNotFoundError("scanner", fmt.Sprint(id))
	}
	if err := r.repo.SetScannerDisabled(ctx, id, disabled); err != nil {
		return err
	}
	r.mu.Lock()
	s.Disabled = disabled
	r.mu.Unlock()
	return nil
}

// DeleteScanner removes a scanner that no price record references.
func (r *Registry) DeleteScanner(ctx context.Context, id int64) error {
	r.mu.RLock()
	_, ok := r.scanners[id]
	r.mu.RUnlock()
	if !ok {
		return apperrors.NewNotFoundError("scanner", fmt.Sprint(id))
	}

	n, err := r.repo.CountPriceRecords(ctx, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return apperrors.NewConflictError(fmt.Sprintf("scanner %d has %d price records", id, n))
	}
	if err := r.repo.DeleteScanner(ctx, id); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.scanners, id)
	r.mu.Unlock()
	r.logger.WithField("scannerId", id).Info("Scanner deleted")
	return nil
}

// Authorize checks that scanner may work in category on behalf of user.
func (r *Registry) Authorize(user *models.User, s *models.Scanner, category models.ScanCategory) error {
	if s.UserID != user.ID {
		return apperrors.NewForbiddenError("scanner belongs to another user")
	}
	if s.Disabled {
		return apperrors.NewForbiddenError(fmt.Sprintf("scanner %s is disabled", s.Name))
	}
	if !user.CanScan(category) {
		return apperrors.NewForbiddenError(fmt.Sprintf("user may not submit %s prices", category))
	}
	return nil
}

// SkipPriceInsert reports whether releases from s must leave items due
// for scanning.
func SkipPriceInsert(user *models.User, s *models.Scanner) bool {
	return user.Flags.Has(models.UserFlagSkipPriceInsert) || s.Flags.Has(models.ScannerFlagSkipPriceInsert)
}
