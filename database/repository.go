package database

import (
	"context"
	"time"

	"github.com/giftfleet/giftfleet/model"
)

type IDataSource interface {
	account
	relationship
	order
	giftJob
	offer
}

type account interface {
	CreateAccount(ctx context.Context, account model.Account) (model.Account, error)
	GetAccountByID(ctx context.Context, id string) (*model.Account, error)
	GetAllAccounts(ctx context.Context) ([]model.Account, error)
	GetActiveAccounts(ctx context.Context) ([]model.Account, error)
	UpdateAccountStatus(ctx context.Context, id, status string, errorCount int, heartbeat time.Time) error
	UpdateAccountCredentials(ctx context.Context, id, credentials string) error
	DeactivateAccount(ctx context.Context, id string) error
	CountGiftsSince(ctx context.Context, accountID string, since time.Time) (int, error)
}

type relationship interface {
	RecordRelationship(ctx context.Context, rel *model.Relationship) error
	GetRelationship(ctx context.Context, accountID, recipientID string) (*model.Relationship, error)
	GetRelationshipsByAccount(ctx context.Context, accountID string) ([]model.Relationship, error)
	GetReadyRelationships(ctx context.Context, recipientID string, now time.Time) ([]model.Relationship, error)
	UpdateRelationshipState(ctx context.Context, relationshipID, state string, establishedAt, eligibleAt time.Time) error
	UpdateRelationshipRecipient(ctx context.Context, relationshipID, recipientID string) error
}

type order interface {
	RecordOrder(ctx context.Context, ord *model.Order) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	GetOrderByReference(ctx context.Context, reference string) (*model.Order, error)
	GetOrdersByStatus(ctx context.Context, status string) ([]model.Order, error)
	UpdateOrderStatus(ctx context.Context, id, fromStatus, toStatus string) error
	SetOrderOffer(ctx context.Context, id, offerID string, amount int64) error
	SetOrderRecipient(ctx context.Context, id, recipientID string) error
	MarkFriendshipDone(ctx context.Context, id string) error
	MarkGiftSent(ctx context.Context, id string) error
	IncrementOrderAttempts(ctx context.Context, id string) (int, error)
	IncrementOrderReassignments(ctx context.Context, id string) (int, error)
	FlagOrderForReview(ctx context.Context, id, reason string) error
	ResetOrderForRetry(ctx context.Context, id string) error
	AppendOrderProgress(ctx context.Context, id, stage, description string) error
}

type giftJob interface {
	RecordGiftJob(ctx context.Context, job *model.GiftJob) error
	GetGiftJob(ctx context.Context, id string) (*model.GiftJob, error)
	GetActiveGiftJob(ctx context.Context, orderID string) (*model.GiftJob, error)
	UpdateGiftJob(ctx context.Context, job *model.GiftJob) error
}

type offer interface {
	ReplaceCatalog(ctx context.Context, syncID string, offers []model.CatalogOffer) error
	GetActiveOffers(ctx context.Context) ([]model.CatalogOffer, error)
	GetOfferByID(ctx context.Context, offerID string) (*model.CatalogOffer, error)
	LatestCatalogSync(ctx context.Context) (*model.CatalogSnapshot, error)
}
