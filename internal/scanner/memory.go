package scanner

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/game-data-manager/internal/errors"
	"github.com/game-data-manager/internal/models"
)

// MemoryRepository is a Repository kept in process memory.
type MemoryRepository struct {
	mu       sync.Mutex
	nextID   int64
	users    map[int64]models.User
	scanners map[int64]models.Scanner
	prices   map[int64]int64
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:    make(map[int64]models.User),
		scanners: make(map[int64]models.Scanner),
		prices:   make(map[int64]int64),
	}
}

// AddPriceRecords pretends n price rows reference the scanner.
func (m *MemoryRepository) AddPriceRecords(scannerID, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[scannerID] += n
}

func (m *MemoryRepository) LoadUsers(ctx context.Context) ([]models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	return out, nil
}

func (m *MemoryRepository) LoadScanners(ctx context.Context) ([]models.Scanner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Scanner, 0, len(m.scanners))
	for _, s := range m.scanners {
		out = append(out, s)
	}
	return out, nil
}

func (m *MemoryRepository) CreateUser(ctx context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Username == u.Username {
			return apperrors.NewConflictError(fmt.Sprintf("user %s already exists", u.Username))
		}
	}
	m.nextID++
	u.ID = m.nextID
	u.CreatedAt = time.Now()
	m.users[u.ID] = *u
	return nil
}

func (m *MemoryRepository) UpdateUser(ctx context.Context, id int64, flags models.UserFlag, disabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return apperrors.NewNotFoundError("user", fmt.Sprint(id))
	}
	u.Flags = flags
	u.Disabled = disabled
	m.users[id] = u
	return nil
}

func (m *MemoryRepository) CreateScanner(ctx context.Context, s *models.Scanner) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.scanners {
		if existing.UserID == s.UserID && existing.Name == s.Name {
			return apperrors.NewConflictError(fmt.Sprintf("scanner %s already exists", s.Name))
		}
	}
	m.nextID++
	s.ID = m.nextID
	m.scanners[s.ID] = *s
	return nil
}

func (m *MemoryRepository) SetScannerDisabled(ctx context.Context, id int64, disabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scanners[id]
	if !ok {
		return apperrors.NewNotFoundError("scanner", fmt.Sprint(id))
	}
	s.Disabled = disabled
	m.scanners[id] = s
	return nil
}

func (m *MemoryRepository) CountPriceRecords(ctx context.Context, scannerID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prices[scannerID], nil
}

func (m *MemoryRepository) DeleteScanner(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.prices[id] > 0 {
		return apperrors.NewConflictError("scanner is referenced by price records")
	}
	delete(m.scanners, id)
	return nil
}
