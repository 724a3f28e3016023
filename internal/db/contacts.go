package db

import (
	"context"
	"sort"
	"sync"

	"github.com/abkawan/sendmoney-ledger/internal/models"
)

// MemoryContacts is the contact directory used when no MongoDB is configured.
type MemoryContacts struct {
	mu       sync.RWMutex
	contacts []models.Contact
}

func NewMemoryContacts() *MemoryContacts {
	return &MemoryContacts{}
}

// ListContacts returns the contact directory ordered by name.
func (c *MemoryContacts) ListContacts(context.Context) ([]models.Contact, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Contact, len(c.contacts))
	copy(out, c.contacts)
	return out, nil
}

// SeedContacts stores contacts only when the directory is empty.
func (c *MemoryContacts) SeedContacts(_ context.Context, contacts []models.Contact) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.contacts) > 0 || len(contacts) == 0 {
		return false, nil
	}
	c.contacts = append([]models.Contact(nil), contacts...)
	sort.SliceStable(c.contacts, func(i, j int) bool { return c.contacts[i].Name < c.contacts[j].Name })
	return true, nil
}
