// Package transaction contains the transaction record type. Each transaction is reported
// first as pending and later as confirmed, but the two may arrive in any order. TransformSave
// reconciles them into one row per transaction using the natural key
// (from_address, to_address, value_eth, gas).
package transaction

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/teltech/logger"
	"github.com/tidwall/gjson"
	"github.com/zpiroux/megaetl/entity"
	"github.com/zpiroux/megaetl/pkg/pricefeed"
)

const (
	Name         = "transaction"
	DefaultTable = "transactions"

	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
)

const weiPerEth = 1e18

var log *logger.Log

func init() {
	log = logger.New()
}

// Transaction implements Initializer and SaveTransformer.
type Transaction struct {
	table  string
	quotes pricefeed.QuoteSource
	stmts  statements
}

// New creates a Transaction record type writing to table, or DefaultTable if empty. The
// quote source provides the ETH/USD rate used for value_usd. It is shared by all records,
// so it should be cached (see pricefeed.NewCachedQuote).
func New(table string, quotes pricefeed.QuoteSource) *Transaction {
	if table == "" {
		table = DefaultTable
	}
	return &Transaction{
		table:  table,
		quotes: quotes,
		stmts:  newStatements(table),
	}
}

func (t *Transaction) Name() string {
	return Name
}

func (t *Transaction) Init(ctx context.Context) (string, error) {
	return t.stmts.create, nil
}

// Payload is the decoded form of a transaction record, e.g.
//
//	{"status":"pending","from":"0xab..","to":"0xcd..","value":"1500000000000000000","gas":21000}
type Payload struct {
	Status string
	From   string
	To     string
	Value  string // wei
	Gas    float64
}

// key returns the natural key, used to serialize concurrent arrivals for the same transaction.
func (p Payload) key() string {
	return p.From + "|" + p.To + "|" + p.Value + "|" + strconv.FormatFloat(p.Gas, 'g', -1, 64)
}

func (t *Transaction) TransformSave(ctx context.Context, payload []byte, conn entity.SinkConn) error {

	p, err := decode(payload)
	if err != nil {
		return err
	}

	switch p.Status {
	case StatusPending, StatusConfirmed:
	default:
		return entity.Skip("transaction status '" + p.Status + "' is neither pending nor confirmed")
	}

	// Fetched before the sink transaction so no row lock is held during the lookup
	valueUsd, err := t.valueUsd(ctx, p.Value)
	if err != nil {
		return err
	}

	return t.reconcile(ctx, conn, p, valueUsd)
}

func (t *Transaction) valueUsd(ctx context.Context, wei string) (string, error) {

	value, err := strconv.ParseFloat(wei, 64)
	if err != nil {
		return "", entity.Failure("invalid transaction value %q: %v", wei, err)
	}

	price, err := t.quotes.Quote(ctx)
	if err != nil {
		return "", errors.Wrap(err, "fetching ETH/USD quote")
	}

	return strconv.FormatFloat(value/weiPerEth*price, 'f', -1, 64), nil
}

func (t *Transaction) reconcile(ctx context.Context, conn entity.SinkConn, p Payload, valueUsd string) error {

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	// No-op after a successful commit
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.Warnf(lgprfx()+"rollback failed: %v", rbErr)
		}
	}()

	if _, err = tx.ExecContext(ctx, t.stmts.lock, p.key()); err != nil {
		return errors.Wrap(err, "locking transaction key")
	}

	confirmed := p.Status == StatusConfirmed

	if confirmed {
		var exists bool
		exists, err = t.exists(ctx, tx, p)
		if err != nil {
			return err
		}
		if exists {
			log.Debugf(lgprfx()+"confirming existing transaction from %s to %s", p.From, p.To)
			if _, err = tx.ExecContext(ctx, t.stmts.confirm, p.From, p.To, p.Value, p.Gas); err != nil {
				return errors.Wrap(err, "confirming transaction")
			}
			return commit(tx)
		}
	}

	log.Debugf(lgprfx()+"inserting %s transaction from %s to %s", p.Status, p.From, p.To)
	if _, err = tx.ExecContext(ctx, t.stmts.insert, p.From, p.To, valueUsd, p.Value, p.Gas, confirmed); err != nil {
		return errors.Wrap(err, "inserting transaction")
	}
	return commit(tx)
}

func (t *Transaction) exists(ctx context.Context, tx *sql.Tx, p Payload) (bool, error) {

	var one int
	err := tx.QueryRowContext(ctx, t.stmts.find, p.From, p.To, p.Value, p.Gas).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, errors.Wrap(err, "looking up transaction")
	}
	return true, nil
}

func commit(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "committing transaction")
	}
	return nil
}

func decode(payload []byte) (Payload, error) {

	var p Payload

	if !gjson.ValidBytes(payload) {
		return p, entity.Failure("invalid transaction payload: not valid JSON")
	}

	fields := gjson.GetManyBytes(payload, "status", "from", "to", "value", "gas")
	for i, name := range []string{"status", "from", "to", "value"} {
		if fields[i].Type != gjson.String {
			return p, entity.Failure("invalid transaction payload: field %q must be a string", name)
		}
	}
	if fields[4].Type != gjson.Number {
		return p, entity.Failure("invalid transaction payload: field \"gas\" must be a number")
	}

	p.Status = fields[0].Str
	p.From = fields[1].Str
	p.To = fields[2].Str
	p.Value = fields[3].Str
	p.Gas = fields[4].Num
	return p, nil
}

func lgprfx() string {
	return "[transaction] "
}
