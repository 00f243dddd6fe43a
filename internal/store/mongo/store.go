// Package mongo stores the ledgers and the balance aggregate in MongoDB.
//
// MongoDB without a replica set has no multi-document transactions, so Commit is a
// version-guarded update of the balance document followed by the record writes. A
// failure between the two leaves drift that Service.Reconcile reports.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tally.org/internal/ledger"
)

const (
	defaultServerSelectionTimeout = 5 * time.Second

	colDeposits = "deposits"
	colExpenses = "expenses"
	colBalances = "balances"

	balanceID = "singleton"
)

var (
	// ErrEmptyURI is returned when Mongo URI is empty.
	ErrEmptyURI = errors.New("mongo uri cannot be empty")
	// ErrEmptyDatabaseName is returned when database name is empty.
	ErrEmptyDatabaseName = errors.New("database name cannot be empty")
)

// Store implements ledger.Store on three collections.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

var _ ledger.Store = (*Store)(nil)

// Connect dials MongoDB, pings it and ensures the date indexes exist.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	if strings.TrimSpace(uri) == "" {
		return nil, ErrEmptyURI
	}
	if strings.TrimSpace(database) == "" {
		return nil, ErrEmptyDatabaseName
	}
	opts := options.Client().ApplyURI(uri).SetServerSelectionTimeout(defaultServerSelectionTimeout)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	s := &Store{client: client, db: client.Database(database)}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	byDate := mongo.IndexModel{Keys: bson.D{{Key: "date", Value: -1}, {Key: "createdAt", Value: -1}}}
	for _, col := range []string{colDeposits, colExpenses} {
		if _, err := s.db.Collection(col).Indexes().CreateOne(ctx, byDate); err != nil {
			return fmt.Errorf("create index on %s: %w", col, err)
		}
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error { return s.client.Disconnect(ctx) }

func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx, nil) }

var sortByDate = options.Find().SetSort(bson.D{{Key: "date", Value: -1}, {Key: "createdAt", Value: -1}})

func (s *Store) GetDeposit(ctx context.Context, id string) (ledger.Deposit, error) {
	var doc depositDoc
	err := s.db.Collection(colDeposits).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ledger.Deposit{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Deposit{}, err
	}
	return doc.toDeposit()
}

func (s *Store) FindDeposits(ctx context.Context, ids []string) ([]ledger.Deposit, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.findDeposits(ctx, bson.M{"_id": bson.M{"$in": ids}}, nil)
}

func (s *Store) ListDeposits(ctx context.Context) ([]ledger.Deposit, error) {
	return s.findDeposits(ctx, bson.M{}, sortByDate)
}

func (s *Store) findDeposits(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]ledger.Deposit, error) {
	cur, err := s.db.Collection(colDeposits).Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var docs []depositDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	res := make([]ledger.Deposit, 0, len(docs))
	for _, doc := range docs {
		d, err := doc.toDeposit()
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, nil
}

func (s *Store) GetExpense(ctx context.Context, id string) (ledger.Expense, error) {
	var doc expenseDoc
	err := s.db.Collection(colExpenses).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ledger.Expense{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Expense{}, err
	}
	return doc.toExpense()
}

func (s *Store) FindExpenses(ctx context.Context, ids []string) ([]ledger.Expense, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.findExpenses(ctx, bson.M{"_id": bson.M{"$in": ids}}, nil)
}

func (s *Store) ListExpenses(ctx context.Context) ([]ledger.Expense, error) {
	return s.findExpenses(ctx, bson.M{}, sortByDate)
}

func (s *Store) findExpenses(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]ledger.Expense, error) {
	cur, err := s.db.Collection(colExpenses).Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var docs []expenseDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	res := make([]ledger.Expense, 0, len(docs))
	for _, doc := range docs {
		e, err := doc.toExpense()
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}

func (s *Store) CountExpenses(ctx context.Context) (int64, error) {
	return s.db.Collection(colExpenses).CountDocuments(ctx, bson.M{})
}

func (s *Store) LoadBalance(ctx context.Context) (ledger.Balance, error) {
	var doc balanceDoc
	err := s.db.Collection(colBalances).FindOne(ctx, bson.M{"_id": balanceID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ledger.Balance{}, ledger.ErrBalanceMissing
	}
	if err != nil {
		return ledger.Balance{}, err
	}
	return doc.toBalance()
}

func (s *Store) InitBalance(ctx context.Context) (ledger.Balance, error) {
	b := ledger.ZeroBalance(time.Now().UTC())
	b.Version = 1
	doc, err := newBalanceDoc(b)
	if err != nil {
		return ledger.Balance{}, err
	}
	doc.ID = "" // taken from the filter on insert
	_, err = s.db.Collection(colBalances).UpdateOne(ctx,
		bson.M{"_id": balanceID},
		bson.M{"$setOnInsert": doc},
		options.Update().SetUpsert(true))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return ledger.Balance{}, err
	}
	return s.LoadBalance(ctx)
}

func (s *Store) Commit(ctx context.Context, m ledger.Mutation) error {
	capital, err := toDecimal128(m.Balance.CapitalAmount)
	if err != nil {
		return err
	}
	current, err := toDecimal128(m.Balance.CurrentAmount)
	if err != nil {
		return err
	}
	res, err := s.db.Collection(colBalances).UpdateOne(ctx,
		bson.M{"_id": balanceID, "version": m.Balance.Version},
		bson.M{
			"$set": bson.M{"capitalAmount": capital, "currentAmount": current, "updatedAt": m.Balance.UpdatedAt},
			"$inc": bson.M{"version": 1},
		})
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	if res.MatchedCount == 0 {
		n, err := s.db.Collection(colBalances).CountDocuments(ctx, bson.M{"_id": balanceID})
		if err != nil {
			return err
		}
		if n == 0 {
			return ledger.ErrBalanceMissing
		}
		return fmt.Errorf("%w: balance version %d is stale", ledger.ErrConflict, m.Balance.Version)
	}

	if err := s.writeRecords(ctx, m); err != nil {
		return fmt.Errorf("balance committed but records failed, reconcile required: %w", err)
	}
	return nil
}

func (s *Store) writeRecords(ctx context.Context, m ledger.Mutation) error {
	upsert := options.Replace().SetUpsert(true)
	for _, d := range m.PutDeposits {
		doc, err := newDepositDoc(d)
		if err != nil {
			return err
		}
		if _, err := s.db.Collection(colDeposits).ReplaceOne(ctx, bson.M{"_id": d.ID}, doc, upsert); err != nil {
			return fmt.Errorf("put deposit %s: %w", d.ID, err)
		}
	}
	if len(m.DeleteDeposits) > 0 {
		if _, err := s.db.Collection(colDeposits).DeleteMany(ctx, bson.M{"_id": bson.M{"$in": m.DeleteDeposits}}); err != nil {
			return fmt.Errorf("delete deposits: %w", err)
		}
	}
	for _, e := range m.PutExpenses {
		doc, err := newExpenseDoc(e)
		if err != nil {
			return err
		}
		if _, err := s.db.Collection(colExpenses).ReplaceOne(ctx, bson.M{"_id": e.ID}, doc, upsert); err != nil {
			return fmt.Errorf("put expense %s: %w", e.ID, err)
		}
	}
	if len(m.DeleteExpenses) > 0 {
		if _, err := s.db.Collection(colExpenses).DeleteMany(ctx, bson.M{"_id": bson.M{"$in": m.DeleteExpenses}}); err != nil {
			return fmt.Errorf("delete expenses: %w", err)
		}
	}
	return nil
}

// --- documents ---

type depositDoc struct {
	ID        string               `bson:"_id"`
	Name      string               `bson:"name"`
	Amount    primitive.Decimal128 `bson:"amount"`
	Date      time.Time            `bson:"date"`
	CreatedAt time.Time            `bson:"createdAt"`
	UpdatedAt time.Time            `bson:"updatedAt"`
}

func newDepositDoc(d ledger.Deposit) (depositDoc, error) {
	amt, err := toDecimal128(d.Amount)
	if err != nil {
		return depositDoc{}, err
	}
	return depositDoc{
		ID:        d.ID,
		Name:      d.Name,
		Amount:    amt,
		Date:      d.Date.Time(),
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}, nil
}

func (doc depositDoc) toDeposit() (ledger.Deposit, error) {
	amt, err := fromDecimal128(doc.Amount)
	if err != nil {
		return ledger.Deposit{}, err
	}
	return ledger.Deposit{
		ID:        doc.ID,
		Name:      doc.Name,
		Amount:    amt,
		Date:      ledger.DateOf(doc.Date),
		CreatedAt: doc.CreatedAt.UTC(),
		UpdatedAt: doc.UpdatedAt.UTC(),
	}, nil
}

type expenseDoc struct {
	ID          string               `bson:"_id"`
	Description string               `bson:"description"`
	Amount      primitive.Decimal128 `bson:"amount"`
	PaidBy      string               `bson:"paidBy"`
	Date        time.Time            `bson:"date"`
	CreatedAt   time.Time            `bson:"createdAt"`
	UpdatedAt   time.Time            `bson:"updatedAt"`
}

func newExpenseDoc(e ledger.Expense) (expenseDoc, error) {
	amt, err := toDecimal128(e.Amount)
	if err != nil {
		return expenseDoc{}, err
	}
	return expenseDoc{
		ID:          e.ID,
		Description: e.Description,
		Amount:      amt,
		PaidBy:      e.PaidBy,
		Date:        e.Date.Time(),
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}, nil
}

func (doc expenseDoc) toExpense() (ledger.Expense, error) {
	amt, err := fromDecimal128(doc.Amount)
	if err != nil {
		return ledger.Expense{}, err
	}
	return ledger.Expense{
		ID:          doc.ID,
		Description: doc.Description,
		Amount:      amt,
		PaidBy:      doc.PaidBy,
		Date:        ledger.DateOf(doc.Date),
		CreatedAt:   doc.CreatedAt.UTC(),
		UpdatedAt:   doc.UpdatedAt.UTC(),
	}, nil
}

type balanceDoc struct {
	ID            string               `bson:"_id,omitempty"`
	CapitalAmount primitive.Decimal128 `bson:"capitalAmount"`
	CurrentAmount primitive.Decimal128 `bson:"currentAmount"`
	Version       int64                `bson:"version"`
	CreatedAt     time.Time            `bson:"createdAt"`
	UpdatedAt     time.Time            `bson:"updatedAt"`
}

func newBalanceDoc(b ledger.Balance) (balanceDoc, error) {
	capital, err := toDecimal128(b.CapitalAmount)
	if err != nil {
		return balanceDoc{}, err
	}
	current, err := toDecimal128(b.CurrentAmount)
	if err != nil {
		return balanceDoc{}, err
	}
	return balanceDoc{
		ID:            balanceID,
		CapitalAmount: capital,
		CurrentAmount: current,
		Version:       b.Version,
		CreatedAt:     b.CreatedAt,
		UpdatedAt:     b.UpdatedAt,
	}, nil
}

func (doc balanceDoc) toBalance() (ledger.Balance, error) {
	capital, err := fromDecimal128(doc.CapitalAmount)
	if err != nil {
		return ledger.Balance{}, err
	}
	current, err := fromDecimal128(doc.CurrentAmount)
	if err != nil {
		return ledger.Balance{}, err
	}
	return ledger.Balance{
		CapitalAmount: capital,
		CurrentAmount: current,
		Version:       doc.Version,
		CreatedAt:     doc.CreatedAt.UTC(),
		UpdatedAt:     doc.UpdatedAt.UTC(),
	}, nil
}

func toDecimal128(d decimal.Decimal) (primitive.Decimal128, error) {
	v, err := primitive.ParseDecimal128(d.String())
	if err != nil {
		return primitive.Decimal128{}, fmt.Errorf("encode amount %s: %w", d, err)
	}
	return v, nil
}

func fromDecimal128(v primitive.Decimal128) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("decode amount %s: %w", v, err)
	}
	return d, nil
}
