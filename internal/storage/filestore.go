package storage

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/mercerlabs/futures-engine/internal/models"
)

// FileStore is the file-backed repository. Every mutation rewrites the file
// through a temp file plus rename so a crash never leaves a torn document.
type FileStore struct {
	mu       sync.RWMutex
	filepath string
	data     *fileData
	logger   *log.Logger
	now      func() time.Time
}

type fileData struct {
	Strategies []models.StrategyConfig `json:"strategies"`
	Orders     []models.Order          `json:"orders"`
	Fills      []models.Fill           `json:"fills"`
	Positions  []models.Position       `json:"positions"`

	AccountLimits  map[string]models.SafetyLimits `json:"account_limits"`
	StrategyLimits map[string]models.SafetyLimits `json:"strategy_limits"`

	States     []models.StrategyState    `json:"strategy_states"`
	Behavioral []models.BehavioralRecord `json:"behavioral_data"`

	LastUpdated time.Time `json:"last_updated"`
}

var _ Interface = (*FileStore)(nil)

// NewFileStore opens (or creates) a file-backed repository at path.
func NewFileStore(path string, logger *log.Logger) (*FileStore, error) {
	if logger == nil {
		logger = log.Default()
	}
	s := &FileStore{
		filepath: path,
		logger:   logger,
		now:      time.Now,
		data: &fileData{
			AccountLimits:  make(map[string]models.SafetyLimits),
			StrategyLimits: make(map[string]models.SafetyLimits),
		},
	}

	if _, err := os.Stat(path); err == nil {
		if err := s.load(); err != nil {
			return nil, fmt.Errorf("loading storage: %w", err)
		}
	}
	return s, nil
}

func (s *FileStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.filepath)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, s.data); err != nil {
		return err
	}
	if s.data.AccountLimits == nil {
		s.data.AccountLimits = make(map[string]models.SafetyLimits)
	}
	if s.data.StrategyLimits == nil {
		s.data.StrategyLimits = make(map[string]models.SafetyLimits)
	}
	return nil
}

// saveLocked writes the document atomically. Caller holds s.mu.
func (s *FileStore) saveLocked() error {
	s.data.LastUpdated = s.now()

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling storage: %w", err)
	}

	tmp := s.filepath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return fmt.Errorf("writing storage: %w", err)
	}
	return os.Rename(tmp, s.filepath)
}

// ListActiveStrategies returns active strategies for the user and account.
func (s *FileStore) ListActiveStrategies(userID, accountID string) ([]models.StrategyConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.StrategyConfig, 0)
	for _, st := range s.data.Strategies {
		if st.IsActive && st.UserID == userID && st.AccountID == accountID {
			out = append(out, st)
		}
	}
	return out, nil
}

// UpdateStrategy replaces a strategy row, inserting when absent.
func (s *FileStore) UpdateStrategy(cfg models.StrategyConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg.UpdatedAt = s.now()
	for i, st := range s.data.Strategies {
		if st.ID == cfg.ID {
			s.data.Strategies[i] = cfg
			return s.saveLocked()
		}
	}
	s.data.Strategies = append(s.data.Strategies, cfg)
	return s.saveLocked()
}

// FindOrderBySetupID returns the order with the given setup id, or nil.
func (s *FileStore) FindOrderBySetupID(setupID string) (*models.Order, error) {
	if setupID == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.data.Orders {
		if s.data.Orders[i].SetupID == setupID {
			o := s.data.Orders[i]
			return &o, nil
		}
	}
	return nil, nil
}

// GetOrder returns the order with the given id, or nil.
func (s *FileStore) GetOrder(orderID string) (*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.data.Orders {
		if s.data.Orders[i].ID == orderID {
			o := s.data.Orders[i]
			return &o, nil
		}
	}
	return nil, nil
}

// InsertOrder appends a new order row, rejecting a duplicate setup id.
func (s *FileStore) InsertOrder(o models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.data.Orders {
		if s.data.Orders[i].ID == o.ID {
			return fmt.Errorf("order %s already exists", o.ID)
		}
		if o.SetupID != "" && s.data.Orders[i].SetupID == o.SetupID {
			return fmt.Errorf("order with setup id %s already exists", o.SetupID)
		}
	}
	s.data.Orders = append(s.data.Orders, o)
	return s.saveLocked()
}

// UpdateOrder replaces an existing order row.
func (s *FileStore) UpdateOrder(o models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.data.Orders {
		if s.data.Orders[i].ID == o.ID {
			s.data.Orders[i] = o
			return s.saveLocked()
		}
	}
	return fmt.Errorf("order %s not found", o.ID)
}

// ListActiveOrders returns orders in a non-terminal status for the account.
func (s *FileStore) ListActiveOrders(accountID string) ([]models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Order, 0)
	for _, o := range s.data.Orders {
		if o.AccountID == accountID && !o.Status.IsTerminal() {
			out = append(out, o)
		}
	}
	return out, nil
}

// CountOrdersSince counts account orders created at or after since.
func (s *FileStore) CountOrdersSince(accountID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, o := range s.data.Orders {
		if o.AccountID == accountID && !o.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// FindFillByBrokerFillID returns the fill with the broker fill id, or nil.
func (s *FileStore) FindFillByBrokerFillID(brokerFillID string) (*models.Fill, error) {
	if brokerFillID == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.data.Fills {
		if s.data.Fills[i].BrokerFillID == brokerFillID {
			f := s.data.Fills[i]
			return &f, nil
		}
	}
	return nil, nil
}

// InsertFill appends a fill, rejecting a duplicate broker fill id.
func (s *FileStore) InsertFill(f models.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.data.Fills {
		if f.BrokerFillID != "" && s.data.Fills[i].BrokerFillID == f.BrokerFillID {
			return fmt.Errorf("fill with broker fill id %s already exists", f.BrokerFillID)
		}
	}
	s.data.Fills = append(s.data.Fills, f)
	return s.saveLocked()
}

// ListFillsByOrder returns every fill recorded against an order.
func (s *FileStore) ListFillsByOrder(orderID string) ([]models.Fill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Fill, 0)
	for _, f := range s.data.Fills {
		if f.OrderID == orderID {
			out = append(out, f)
		}
	}
	return out, nil
}

// GetPosition returns the position with the given id, or nil.
func (s *FileStore) GetPosition(positionID string) (*models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.data.Positions {
		if s.data.Positions[i].ID == positionID {
			p := s.data.Positions[i]
			return &p, nil
		}
	}
	return nil, nil
}

// InsertPosition appends a new position row.
func (s *FileStore) InsertPosition(p models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.data.Positions {
		if s.data.Positions[i].ID == p.ID {
			return fmt.Errorf("position %s already exists", p.ID)
		}
	}
	s.data.Positions = append(s.data.Positions, p)
	return s.saveLocked()
}

// UpdatePosition replaces an existing position row.
func (s *FileStore) UpdatePosition(p models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.data.Positions {
		if s.data.Positions[i].ID == p.ID {
			s.data.Positions[i] = p
			return s.saveLocked()
		}
	}
	return fmt.Errorf("position %s not found", p.ID)
}

// ListOpenPositions returns the account's open positions.
func (s *FileStore) ListOpenPositions(accountID string) ([]models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Position, 0)
	for _, p := range s.data.Positions {
		if p.AccountID == accountID && p.Status != models.PositionClosed {
			out = append(out, p)
		}
	}
	return out, nil
}

// ListPositionsClosedSince returns positions closed at or after since.
func (s *FileStore) ListPositionsClosedSince(accountID string, since time.Time) ([]models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Position, 0)
	for _, p := range s.data.Positions {
		if p.AccountID == accountID && p.Status == models.PositionClosed &&
			p.ClosedAt != nil && !p.ClosedAt.Before(since) {
			out = append(out, p)
		}
	}
	return out, nil
}

// SetAccountSafetyLimits configures account-level limits.
func (s *FileStore) SetAccountSafetyLimits(accountID string, l models.SafetyLimits) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.AccountLimits[accountID] = l
	return s.saveLocked()
}

// SetStrategySafetyLimits configures strategy-level limits.
func (s *FileStore) SetStrategySafetyLimits(strategyID string, l models.SafetyLimits) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.StrategyLimits[strategyID] = l
	return s.saveLocked()
}

// GetAccountSafetyLimits returns the account limits, or nil when unset.
func (s *FileStore) GetAccountSafetyLimits(accountID string) (*models.SafetyLimits, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if l, ok := s.data.AccountLimits[accountID]; ok {
		return &l, nil
	}
	return nil, nil
}

// GetStrategySafetyLimits returns the strategy limits, or nil when unset.
func (s *FileStore) GetStrategySafetyLimits(strategyID string) (*models.SafetyLimits, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if l, ok := s.data.StrategyLimits[strategyID]; ok {
		return &l, nil
	}
	return nil, nil
}

// UpsertStrategyState replaces the row for (strategyId, stateType).
func (s *FileStore) UpsertStrategyState(st models.StrategyState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.data.States {
		if s.data.States[i].StrategyID == st.StrategyID && s.data.States[i].Type == st.Type {
			s.data.States[i] = st
			return s.saveLocked()
		}
	}
	s.data.States = append(s.data.States, st)
	return s.saveLocked()
}

// GetActiveStrategyState returns the row for (strategyId, stateType),
// deleting and returning nil when it is past expiry.
func (s *FileStore) GetActiveStrategyState(strategyID string, stateType models.StateType) (*models.StrategyState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for i := range s.data.States {
		st := s.data.States[i]
		if st.StrategyID != strategyID || st.Type != stateType {
			continue
		}
		if st.Expired(now) {
			s.data.States = append(s.data.States[:i], s.data.States[i+1:]...)
			if err := s.saveLocked(); err != nil {
				return nil, err
			}
			return nil, nil
		}
		return &st, nil
	}
	return nil, nil
}

// ListActiveStrategyStates returns non-expired state rows grouped by
// strategy id, for the given strategies.
func (s *FileStore) ListActiveStrategyStates(strategyIDs []string) (map[string]map[models.StateType]models.StrategyState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[string]bool, len(strategyIDs))
	for _, id := range strategyIDs {
		wanted[id] = true
	}

	now := s.now()
	out := make(map[string]map[models.StateType]models.StrategyState)
	for _, st := range s.data.States {
		if !wanted[st.StrategyID] || st.Expired(now) {
			continue
		}
		if out[st.StrategyID] == nil {
			out[st.StrategyID] = make(map[models.StateType]models.StrategyState)
		}
		out[st.StrategyID][st.Type] = st
	}
	return out, nil
}

// DeleteExpiredStrategyStates removes all expired rows and returns the count.
func (s *FileStore) DeleteExpiredStrategyStates() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	kept := s.data.States[:0]
	removed := 0
	for _, st := range s.data.States {
		if st.Expired(now) {
			removed++
			continue
		}
		kept = append(kept, st)
	}
	s.data.States = kept
	if removed == 0 {
		return 0, nil
	}
	return removed, s.saveLocked()
}

// InsertBehavioralRecord appends one audit row.
func (s *FileStore) InsertBehavioralRecord(rec models.BehavioralRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	s.data.Behavioral = append(s.data.Behavioral, rec)
	return s.saveLocked()
}
