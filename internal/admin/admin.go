// Package admin manages operator accounts allowed to inspect and retry
// dead settlement jobs.
package admin

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/bcrypt"

	"github.com/playmatatu/wordduel/internal/models"
)

var (
	ErrOperatorNotFound = errors.New("operator not found")
	ErrInvalidToken     = errors.New("invalid operator token")
)

// Store persists operators.
type Store interface {
	GetOperator(ctx context.Context, name string) (*models.Operator, error)
	UpsertOperator(ctx context.Context, name, tokenHash string) error
}

// HashToken hashes an operator token for storage.
func HashToken(token string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}
	return string(hashed), nil
}

// VerifyToken checks if the provided token matches the stored hash.
func VerifyToken(hashedToken, plainToken string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashedToken), []byte(plainToken)) == nil
}

// CreateOperator creates an operator or replaces its token.
func CreateOperator(ctx context.Context, store Store, name, plainToken string) error {
	name = strings.TrimSpace(name)
	if name == "" || len(plainToken) < 12 {
		return errors.New("operator name required and token must be at least 12 characters")
	}
	hashed, err := HashToken(plainToken)
	if err != nil {
		return err
	}
	return store.UpsertOperator(ctx, name, hashed)
}

// Authenticate validates a name and token combination.
func Authenticate(ctx context.Context, store Store, name, token string) (*models.Operator, error) {
	op, err := store.GetOperator(ctx, name)
	if err != nil {
		return nil, err
	}
	if !VerifyToken(op.TokenHash, token) {
		return nil, ErrInvalidToken
	}
	return op, nil
}

// PostgresStore keeps operators in the operators table.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetOperator(ctx context.Context, name string) (*models.Operator, error) {
	var op models.Operator
	err := s.db.GetContext(ctx, &op, `SELECT id, name, token_hash, created_at FROM operators WHERE name=$1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOperatorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get operator: %w", err)
	}
	return &op, nil
}

func (s *PostgresStore) UpsertOperator(ctx context.Context, name, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operators (name, token_hash, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE SET token_hash = EXCLUDED.token_hash
	`, name, tokenHash)
	if err != nil {
		return fmt.Errorf("upsert operator: %w", err)
	}
	return nil
}

// MemoryStore is used in mock mode and tests.
type MemoryStore struct {
	mu        sync.Mutex
	operators map[string]models.Operator
	nextID    int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{operators: make(map[string]models.Operator)}
}

func (s *MemoryStore) GetOperator(_ context.Context, name string) (*models.Operator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.operators[name]
	if !ok {
		return nil, ErrOperatorNotFound
	}
	return &op, nil
}

func (s *MemoryStore) UpsertOperator(_ context.Context, name, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.operators[name]
	if !ok {
		s.nextID++
		op = models.Operator{ID: s.nextID, Name: name, CreatedAt: time.Now().UTC()}
	}
	op.TokenHash = tokenHash
	s.operators[name] = op
	return nil
}
