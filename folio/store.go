/*
store.go - Persistence interface for folios and their line items

APPEND-ONLY CONTRACT:
  Charges and payments are appended, never updated. Corrections are
  reversal entries. The single exception is DeleteLineItems, used only when
  a reservation is cancelled before any stay took place.

  The folio header row is rewritten on every recompute; its Version
  column is the read-modify-write token.

ATOMICITY:
  Store methods are individually atomic. Multi-step operations (append a
  charge, then recompute) must run inside a transaction supplied by the
  caller; see stay.TxStore.

IMPLEMENTATIONS:
  - store/sqlite: production
  - store/memory: tests and development
*/
package folio

import "context"

type Store interface {
	// GetFolio returns ErrFolioNotFound if the folio does not exist.
	GetFolio(ctx context.Context, id FolioID) (*Folio, error)

	// FolioForReservation returns the most recent folio of a reservation,
	// or ErrFolioNotFound.
	FolioForReservation(ctx context.Context, reservationID string) (*Folio, error)

	// ListOpenFolios returns folios without a ClosedAt. Empty tenantID means all tenants.
	ListOpenFolios(ctx context.Context, tenantID string) ([]Folio, error)

	// SaveFolio inserts or replaces the folio header.
	SaveFolio(ctx context.Context, f Folio) error

	AppendCharge(ctx context.Context, c Charge) error
	AppendPayment(ctx context.Context, p Payment) error

	// Charges and Payments return line items in posting order.
	Charges(ctx context.Context, folioID FolioID) ([]Charge, error)
	Payments(ctx context.Context, folioID FolioID) ([]Payment, error)

	// FindChargeByKey / FindPaymentByKey return nil, nil when the key is
	// unused on that folio. Keys are scoped per folio.
	FindChargeByKey(ctx context.Context, folioID FolioID, idempotencyKey string) (*Charge, error)
	FindPaymentByKey(ctx context.Context, folioID FolioID, idempotencyKey string) (*Payment, error)

	// DeleteLineItems hard-removes every charge and payment of a folio.
	DeleteLineItems(ctx context.Context, folioID FolioID) (charges, payments int, err error)
}
