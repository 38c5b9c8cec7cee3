package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/yashrajoria/marketplace-payments/models"
)

// BookingRepository reads bookings owned by the marketplace side and
// mirrors payment status back onto them.
type BookingRepository interface {
	FindByID(ctx context.Context, id string) (*models.Booking, error)
	UpdatePaymentStatus(ctx context.Context, update models.BookingPaymentUpdate) error
}

type MongoBookingRepository struct {
	coll *mongo.Collection
}

func NewMongoBookingRepository(db *mongo.Database, collection string) *MongoBookingRepository {
	return &MongoBookingRepository{coll: db.Collection(collection)}
}

// idFilter matches either an ObjectID or a plain string _id.
func idFilter(id string) bson.M {
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		return bson.M{"_id": oid}
	}
	return bson.M{"_id": id}
}

func (r *MongoBookingRepository) FindByID(ctx context.Context, id string) (*models.Booking, error) {
	raw, err := r.coll.FindOne(ctx, idFilter(id)).Raw()
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find booking %s: %w", id, err)
	}

	var booking models.Booking
	if err := bson.Unmarshal(raw, &booking); err != nil {
		return nil, fmt.Errorf("decode booking %s: %w", id, err)
	}
	amount, err := decodeAmount(raw.Lookup("total_amount"))
	if err != nil {
		return nil, fmt.Errorf("booking %s total_amount: %w", id, err)
	}
	booking.TotalAmount = amount
	return &booking, nil
}

// decodeAmount accepts the numeric encodings the booking side has used.
func decodeAmount(v bson.RawValue) (decimal.Decimal, error) {
	if d, ok := v.DoubleOK(); ok {
		return decimal.NewFromFloat(d), nil
	}
	if i, ok := v.Int32OK(); ok {
		return decimal.NewFromInt32(i), nil
	}
	if i, ok := v.Int64OK(); ok {
		return decimal.NewFromInt(i), nil
	}
	if d, ok := v.Decimal128OK(); ok {
		return decimal.NewFromString(d.String())
	}
	if s, ok := v.StringValueOK(); ok {
		return decimal.NewFromString(s)
	}
	return decimal.Zero, errors.New("missing or not numeric")
}

func (r *MongoBookingRepository) UpdatePaymentStatus(ctx context.Context, update models.BookingPaymentUpdate) error {
	set := bson.M{
		"payment_status": update.PaymentStatus,
		"payment_id":     update.PaymentID,
		"updated_at":     time.Now().UTC(),
	}
	if update.PaidAt != nil {
		set["paid_at"] = update.PaidAt
	}

	res, err := r.coll.UpdateOne(ctx, idFilter(update.BookingID), bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("update booking %s: %w", update.BookingID, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}
