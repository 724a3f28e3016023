package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/abkawan/sendmoney-ledger/internal/models"
)

// ContactDirectory stores the recipients offered to the payer.
type ContactDirectory interface {
	ListContacts(ctx context.Context) ([]models.Contact, error)
	// SeedContacts writes contacts only into an empty directory and reports
	// whether it did.
	SeedContacts(ctx context.Context, contacts []models.Contact) (bool, error)
}

// SampleContacts fill an empty directory.
var SampleContacts = []models.Contact{
	{ID: "1", Name: "Amit Sharma", PhotoURL: "https://randomuser.me/api/portraits/men/1.jpg"},
	{ID: "2", Name: "Priya Singh", PhotoURL: "https://randomuser.me/api/portraits/women/2.jpg"},
	{ID: "3", Name: "Rahul Verma", PhotoURL: "https://randomuser.me/api/portraits/men/3.jpg"},
	{ID: "4", Name: "Sneha Patel", PhotoURL: "https://randomuser.me/api/portraits/women/4.jpg"},
	{ID: "5", Name: "Vikram Joshi", PhotoURL: "https://randomuser.me/api/portraits/men/5.jpg"},
	{ID: "6", Name: "Anjali Mehra", PhotoURL: "https://randomuser.me/api/portraits/women/6.jpg"},
	{ID: "7", Name: "Rohit Gupta", PhotoURL: "https://randomuser.me/api/portraits/men/7.jpg"},
	{ID: "8", Name: "Kavita Rao", PhotoURL: "https://randomuser.me/api/portraits/women/8.jpg"},
	{ID: "9", Name: "Suresh Kumar", PhotoURL: "https://randomuser.me/api/portraits/men/9.jpg"},
	{ID: "10", Name: "Neha Desai", PhotoURL: "https://randomuser.me/api/portraits/women/10.jpg"},
}

type ContactService struct {
	directory ContactDirectory
	logger    *slog.Logger
}

func NewContactService(directory ContactDirectory, logger *slog.Logger) *ContactService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContactService{directory: directory, logger: logger}
}

// ListContacts returns the directory, seeding it with SampleContacts when empty.
func (s *ContactService) ListContacts(ctx context.Context) ([]models.Contact, error) {
	contacts, err := s.directory.ListContacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}
	if len(contacts) > 0 {
		return contacts, nil
	}

	if _, err := s.Seed(ctx); err != nil {
		return nil, err
	}
	contacts, err = s.directory.ListContacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}
	return contacts, nil
}

// Seed writes SampleContacts into an empty directory.
func (s *ContactService) Seed(ctx context.Context) (bool, error) {
	seeded, err := s.directory.SeedContacts(ctx, SampleContacts)
	if err != nil {
		return false, fmt.Errorf("failed to seed contacts: %w", err)
	}
	if seeded {
		s.logger.Info("seeded contact directory", "count", len(SampleContacts))
	}
	return seeded, nil
}
