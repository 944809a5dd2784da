package service

import (
	"context"
	"time"

	"github.com/campusmarket/orderservice/pkg/repository"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// CartLineInput is what the buyer submits. Prices are never taken from it.
type CartLineInput struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Variation string `json:"variation,omitempty"`
}

// CartLine is a validated line priced at checkout time.
type CartLine struct {
	ProductID string
	SellerID  string
	Name      string
	ImageURL  string
	Variation string
	Quantity  int
	UnitPrice decimal.Decimal
}

func (l CartLine) Total() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

type SellerGroup struct {
	SellerID         string
	PaymentAccountID string
	Lines            []CartLine
	Subtotal         decimal.Decimal
}

type CartPartitioner struct {
	catalog repository.CatalogRepo
	now     func() time.Time
}

func NewCartPartitioner(catalog repository.CatalogRepo, now func() time.Time) *CartPartitioner {
	if now == nil {
		now = time.Now
	}
	return &CartPartitioner{catalog: catalog, now: now}
}

// Partition validates the whole cart before grouping it by seller. Groups
// come back in the order each seller first appears in the cart.
func (p *CartPartitioner) Partition(ctx context.Context, buyerID, addressID string, lines []CartLineInput) ([]*SellerGroup, error) {
	if len(lines) == 0 {
		return nil, &ValidationError{Code: CodeEmptyCart, Message: "cart is empty"}
	}

	addr, err := p.catalog.GetAddress(ctx, addressID)
	if errors.Is(err, repository.ErrAddressNotFound) {
		return nil, invalidAddress(addressID)
	}
	if err != nil {
		return nil, err
	}
	if addr.UserID != buyerID {
		return nil, invalidAddress(addressID)
	}

	ids := make([]string, 0, len(lines))
	requested := make(map[string]int, len(lines))
	for _, l := range lines {
		if l.Quantity <= 0 {
			return nil, &ValidationError{
				Code:      CodeInvalidQuantity,
				Message:   "quantity must be positive for product " + l.ProductID,
				ProductID: l.ProductID,
			}
		}
		if _, seen := requested[l.ProductID]; !seen {
			ids = append(ids, l.ProductID)
		}
		requested[l.ProductID] += l.Quantity
	}

	products, err := p.catalog.GetProducts(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		prod, ok := products[id]
		if !ok {
			return nil, productNotFound(id)
		}
		if prod.Stock < requested[id] {
			return nil, insufficientStock(id, prod.Name, prod.Stock, requested[id])
		}
	}

	now := p.now()
	groups := make([]*SellerGroup, 0)
	bySeller := make(map[string]*SellerGroup)
	for _, l := range lines {
		prod := products[l.ProductID]
		g, ok := bySeller[prod.SellerID]
		if !ok {
			g = &SellerGroup{SellerID: prod.SellerID, Subtotal: decimal.Zero}
			bySeller[prod.SellerID] = g
			groups = append(groups, g)
		}
		line := CartLine{
			ProductID: prod.ID,
			SellerID:  prod.SellerID,
			Name:      prod.Name,
			ImageURL:  prod.ImageURL,
			Variation: l.Variation,
			Quantity:  l.Quantity,
			UnitPrice: prod.EffectivePrice(now),
		}
		g.Lines = append(g.Lines, line)
		g.Subtotal = g.Subtotal.Add(line.Total())
	}

	if err := p.resolveAccounts(ctx, groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// resolveAccounts rejects carts that would need more than one payment
// destination: a single session can only be routed to one sub-account.
func (p *CartPartitioner) resolveAccounts(ctx context.Context, groups []*SellerGroup) error {
	sellerIDs := make([]string, 0, len(groups))
	for _, g := range groups {
		sellerIDs = append(sellerIDs, g.SellerID)
	}
	sellers, err := p.catalog.GetSellers(ctx, sellerIDs)
	if err != nil {
		return err
	}
	routed := 0
	for _, g := range groups {
		if s, ok := sellers[g.SellerID]; ok {
			g.PaymentAccountID = s.AccountID()
		}
		if g.PaymentAccountID != "" {
			routed++
		}
	}
	if routed > 0 && len(groups) > 1 {
		return mixedAccounts()
	}
	return nil
}

func mixedAccounts() error {
	return &ValidationError{
		Code:    CodeMixedPaymentAccounts,
		Message: "items from sellers with their own payment accounts must be checked out separately",
	}
}
