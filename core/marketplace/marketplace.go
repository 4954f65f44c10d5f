// Package marketplace implements the marketplace catalog (spec §4.12
// listing shape, §3): listings, reviews, and purchase transactions.
// Grounded on the teacher's marketplace.go (CreateMarketListing/
// PurchaseItem/zap.L().Sugar() logging) and, for the purchase-record
// distinction from a raw wallet withdrawal, on the original Python
// marketplace.py's record_transaction/complete_transaction pair.
package marketplace

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mcp-zero/mcpzero/core/revenue"
	"github.com/mcp-zero/mcpzero/core/wallet"
	"github.com/mcp-zero/mcpzero/internal/errs"
)

// ListingType enumerates what a listing advertises (spec §3).
type ListingType string

const (
	ListingAgent    ListingType = "agent"
	ListingPlugin   ListingType = "plugin"
	ListingModel    ListingType = "model"
	ListingResource ListingType = "resource"
)

// PricingModel enumerates how a listing is charged (spec §3).
type PricingModel string

const (
	PricingFree        PricingModel = "free"
	PricingOneTime     PricingModel = "one_time"
	PricingSubscription PricingModel = "subscription"
	PricingUsageBased  PricingModel = "usage_based"
	PricingTiered      PricingModel = "tiered"
)

// Listing is a marketplace catalog entry.
type Listing struct {
	ListingID    string
	Name         string
	Description  string
	Type         ListingType
	Version      string
	PublisherID  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	PricingModel PricingModel
	PriceUSD     float64
	Tags         []string
	DownloadCount int
	Rating       float64
	ReviewCount  int
}

// Review is one user's rating of a listing.
type Review struct {
	ReviewID  string
	ListingID string
	UserID    string
	Rating    int
	Comment   string
	CreatedAt time.Time
}

// PurchaseStatus is a purchase transaction's lifecycle state, per the
// supplemented original_source behavior.
type PurchaseStatus string

const (
	PurchasePending   PurchaseStatus = "pending"
	PurchaseCompleted PurchaseStatus = "completed"
	PurchaseRefunded  PurchaseStatus = "refunded"
)

// PurchaseRecord is a dedicated purchase transaction, distinct from the
// raw wallet withdrawal/deposit pair it drives.
type PurchaseRecord struct {
	PurchaseID string
	ListingID  string
	BuyerID    string
	Price      float64
	Status     PurchaseStatus
	CreatedAt  time.Time
	CompletedAt *time.Time
}

// Catalog owns listings, reviews, and purchase records.
type Catalog struct {
	listings  map[string]*Listing
	reviews   map[string][]*Review
	purchases map[string]*PurchaseRecord

	log *zap.SugaredLogger
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{
		listings:  make(map[string]*Listing),
		reviews:   make(map[string][]*Review),
		purchases: make(map[string]*PurchaseRecord),
		log:       zap.L().Sugar(),
	}
}

// CreateListing publishes a new catalog entry.
func (c *Catalog) CreateListing(name, description string, listingType ListingType, version, publisherID string, pricingModel PricingModel, priceUSD float64, tags []string) *Listing {
	now := time.Now().UTC()
	l := &Listing{
		ListingID: uuid.New().String(), Name: name, Description: description,
		Type: listingType, Version: version, PublisherID: publisherID,
		CreatedAt: now, UpdatedAt: now,
		PricingModel: pricingModel, PriceUSD: priceUSD, Tags: tags,
	}
	c.listings[l.ListingID] = l
	c.log.Infow("marketplace: listing created", "listing_id", l.ListingID, "name", name)
	return l
}

// GetListing looks a listing up by id.
func (c *Catalog) GetListing(listingID string) (*Listing, error) {
	l, ok := c.listings[listingID]
	if !ok {
		return nil, errs.New(errs.NotFound, "listing not found: "+listingID)
	}
	return l, nil
}

// ListListings returns every listing, optionally filtered by publisher.
func (c *Catalog) ListListings(publisherID string) []*Listing {
	out := make([]*Listing, 0, len(c.listings))
	for _, l := range c.listings {
		if publisherID != "" && l.PublisherID != publisherID {
			continue
		}
		out = append(out, l)
	}
	return out
}

// AddReview implements the §3 review shape: rating must be in [1,5], and
// the listing's aggregate rating/review_count are recomputed.
func (c *Catalog) AddReview(listingID, userID string, rating int, comment string) (*Review, error) {
	if rating < 1 || rating > 5 {
		return nil, errs.New(errs.Validation, "rating must be between 1 and 5")
	}
	l, err := c.GetListing(listingID)
	if err != nil {
		return nil, err
	}
	r := &Review{
		ReviewID: uuid.New().String(), ListingID: listingID, UserID: userID,
		Rating: rating, Comment: comment, CreatedAt: time.Now().UTC(),
	}
	c.reviews[listingID] = append(c.reviews[listingID], r)

	total := 0
	for _, existing := range c.reviews[listingID] {
		total += existing.Rating
	}
	l.ReviewCount = len(c.reviews[listingID])
	l.Rating = float64(total) / float64(l.ReviewCount)
	l.UpdatedAt = time.Now().UTC()

	c.log.Infow("marketplace: review added", "listing_id", listingID, "rating", rating)
	return r, nil
}

// Reviews returns all reviews for a listing.
func (c *Catalog) Reviews(listingID string) []*Review {
	return c.reviews[listingID]
}

// RecordPurchase implements the supplemented purchase-record feature: a
// pending purchase transaction distinct from the wallet withdrawal that
// will fund it, bumping the listing's download count the way the original
// bumps it on "purchase" or "download" transactions.
func (c *Catalog) RecordPurchase(listingID, buyerID string) (*PurchaseRecord, error) {
	l, err := c.GetListing(listingID)
	if err != nil {
		return nil, err
	}
	p := &PurchaseRecord{
		PurchaseID: uuid.New().String(), ListingID: listingID, BuyerID: buyerID,
		Price: l.PriceUSD, Status: PurchasePending, CreatedAt: time.Now().UTC(),
	}
	c.purchases[p.PurchaseID] = p
	l.DownloadCount++
	return p, nil
}

// CompletePurchase settles a pending purchase: debits the buyer's wallet
// and routes the proceeds through the revenue splitter to the publisher
// and platform.
func (c *Catalog) CompletePurchase(purchaseID string, ledger *wallet.Ledger, splitter *revenue.Splitter, platformID string) error {
	p, ok := c.purchases[purchaseID]
	if !ok {
		return errs.New(errs.NotFound, "purchase not found: "+purchaseID)
	}
	if p.Status != PurchasePending {
		return errs.New(errs.Validation, "purchase is not pending")
	}
	l, err := c.GetListing(p.ListingID)
	if err != nil {
		return err
	}

	buyerWallet := ledger.CreateWallet(p.BuyerID)
	if _, err := ledger.Withdraw(buyerWallet.WalletID, p.Price, purchaseID, "marketplace purchase"); err != nil {
		return errs.Wrap(errs.Storage, "purchase debit failed", err)
	}

	dist, err := splitter.DistributeRevenue(purchaseID, p.ListingID, string(l.Type), p.Price, platformID, l.PublisherID, "")
	if err != nil {
		return err
	}
	if err := splitter.ProcessDistribution(dist.DistributionID, ledger); err != nil {
		return err
	}

	now := time.Now().UTC()
	p.Status = PurchaseCompleted
	p.CompletedAt = &now
	c.log.Infow("marketplace: purchase completed", "purchase_id", purchaseID, "listing_id", p.ListingID)
	return nil
}

// RefundPurchase marks a completed purchase as refunded. It does not
// reverse the underlying wallet/revenue movement — that is a separate,
// explicit operation left to the caller, matching the original's
// transaction-status-only refund marker.
func (c *Catalog) RefundPurchase(purchaseID string) error {
	p, ok := c.purchases[purchaseID]
	if !ok {
		return errs.New(errs.NotFound, "purchase not found: "+purchaseID)
	}
	if p.Status != PurchaseCompleted {
		return errs.New(errs.Validation, "only a completed purchase can be refunded")
	}
	p.Status = PurchaseRefunded
	return nil
}
