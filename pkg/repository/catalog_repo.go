package repository

import (
	"context"

	"github.com/campusmarket/orderservice/pkg/model"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

var ErrAddressNotFound = errors.New("address not found")

// CatalogRepo is the read side of products, sellers and addresses.
type CatalogRepo interface {
	GetProducts(ctx context.Context, productIDs []string) (map[string]*model.Product, error)
	GetSellers(ctx context.Context, sellerIDs []string) (map[string]*model.Seller, error)
	GetAddress(ctx context.Context, addressID string) (*model.Address, error)
}

type catalogRepo struct {
	db *gorm.DB
}

func NewCatalogRepo(db *gorm.DB) CatalogRepo {
	return &catalogRepo{db: db}
}

func (r *catalogRepo) GetProducts(ctx context.Context, productIDs []string) (map[string]*model.Product, error) {
	out := make(map[string]*model.Product, len(productIDs))
	if len(productIDs) == 0 {
		return out, nil
	}
	var products []*model.Product
	if err := r.db.WithContext(ctx).Where("id IN ?", productIDs).Find(&products).Error; err != nil {
		return nil, errors.Wrap(err, "load products")
	}
	for _, p := range products {
		out[p.ID] = p
	}
	return out, nil
}

func (r *catalogRepo) GetSellers(ctx context.Context, sellerIDs []string) (map[string]*model.Seller, error) {
	out := make(map[string]*model.Seller, len(sellerIDs))
	if len(sellerIDs) == 0 {
		return out, nil
	}
	var sellers []*model.Seller
	if err := r.db.WithContext(ctx).Where("id IN ?", sellerIDs).Find(&sellers).Error; err != nil {
		return nil, errors.Wrap(err, "load sellers")
	}
	for _, s := range sellers {
		out[s.ID] = s
	}
	return out, nil
}

func (r *catalogRepo) GetAddress(ctx context.Context, addressID string) (*model.Address, error) {
	var addr model.Address
	err := r.db.WithContext(ctx).Where("id = ?", addressID).First(&addr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAddressNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "load address")
	}
	return &addr, nil
}
