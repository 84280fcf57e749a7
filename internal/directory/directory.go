// Package directory registers wallet accounts and resolves payment aliases
// to them.
package directory

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	interfaces "github.com/Komala-2k/Payment-wallet-week2/internal/interfaces"
	"github.com/Komala-2k/Payment-wallet-week2/internal/logger"
	"github.com/Komala-2k/Payment-wallet-week2/internal/models"
	"github.com/Komala-2k/Payment-wallet-week2/internal/storage"
)

const (
	minUsernameLen = 3
	maxUsernameLen = 30
	maxNameLen     = 100
)

var (
	ErrInvalidUsername = errors.New("username must be 3 to 30 letters or digits")
	ErrInvalidName     = errors.New("name is required and at most 100 characters")
	ErrAliasTaken      = errors.New("alias is already taken")
	ErrAliasNotFound   = errors.New("alias not found")
)

var nonAlnum = regexp.MustCompile(`[^a-z0-9]`)

// Alias derives the payment alias for a username: the lowercased username
// with everything but letters and digits removed, followed by "@domain".
// The whole alias is lowercase, since lookups lowercase what they are given.
// The same username always yields the same alias.
func Alias(username, domain string) (string, error) {
	clean := nonAlnum.ReplaceAllString(strings.ToLower(strings.TrimSpace(username)), "")
	if len(clean) < minUsernameLen || len(clean) > maxUsernameLen {
		return "", ErrInvalidUsername
	}
	return clean + "@" + normalizeDomain(domain), nil
}

func normalizeDomain(domain string) string {
	return strings.ToLower(strings.TrimSpace(domain))
}

// Entry is the public view of an alias lookup.
type Entry struct {
	AccountID string `json:"-"`
	Name      string `json:"name"`
	Alias     string `json:"upiId"`
}

type Service struct {
	registry interfaces.AccountRegistry
	domain   string
	log      *logger.Logger
}

func NewService(registry interfaces.AccountRegistry, domain string, log *logger.Logger) *Service {
	return &Service{
		registry: registry,
		domain:   normalizeDomain(domain),
		log:      log.With("service", "Directory"),
	}
}

// Register creates a zero-balance account for name and username.
func (s *Service) Register(ctx context.Context, name, username string) (models.Account, error) {
	name = strings.TrimSpace(name)
	if name == "" || len([]rune(name)) > maxNameLen {
		return models.Account{}, ErrInvalidName
	}
	alias, err := Alias(username, s.domain)
	if err != nil {
		return models.Account{}, err
	}

	now := time.Now().UTC()
	account := models.Account{
		ID:        uuid.NewString(),
		Alias:     alias,
		Name:      name,
		Username:  strings.TrimSuffix(alias, "@"+s.domain),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.registry.CreateAccount(ctx, account); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return models.Account{}, ErrAliasTaken
		}
		return models.Account{}, fmt.Errorf("register account: %w", err)
	}

	s.log.Info("Account registered", "accountID", account.ID, "alias", alias)
	return account, nil
}

// Lookup resolves an alias to the account's display name.
func (s *Service) Lookup(ctx context.Context, alias string) (Entry, error) {
	account, err := s.registry.ResolveAlias(ctx, strings.ToLower(strings.TrimSpace(alias)))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Entry{}, ErrAliasNotFound
		}
		return Entry{}, fmt.Errorf("lookup alias: %w", err)
	}
	return Entry{AccountID: account.ID, Name: account.Name, Alias: account.Alias}, nil
}
