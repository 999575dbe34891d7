// Package order contains the order record type, in two flavours: Order derives an insert
// statement from each record, while SaveOrder writes each record itself with a parameterised
// insert.
package order

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"github.com/xeipuuv/gojsonschema"
	"github.com/zpiroux/megaetl/entity"
)

const (
	Name         = "order"
	SaveName     = "order_save"
	DefaultTable = "orders"
)

// Payload is the expected record payload, e.g.
//
//	{"order_id":1,"product_id":12,"quantity":2,"amount":56.0,"shipping":15.0,"tax":2.0,"shipping_address":"Mataderos 2312"}
type Payload struct {
	OrderId         int32   `json:"order_id"`
	ProductId       int32   `json:"product_id"`
	Quantity        int32   `json:"quantity"`
	Amount          float64 `json:"amount"`
	Shipping        float64 `json:"shipping"`
	Tax             float64 `json:"tax"`
	ShippingAddress string  `json:"shipping_address"`
}

var payloadSchema = []byte(`
{
  "$schema": "http://json-schema.org/draft-07/schema",
  "type": "object",
  "required": [
    "order_id",
    "product_id",
    "quantity",
    "amount",
    "shipping",
    "tax",
    "shipping_address"
  ],
  "properties": {
    "order_id":         { "type": "integer", "minimum": -2147483648, "maximum": 2147483647 },
    "product_id":       { "type": "integer", "minimum": -2147483648, "maximum": 2147483647 },
    "quantity":         { "type": "integer", "minimum": 0, "maximum": 2147483647 },
    "amount":           { "type": "number" },
    "shipping":         { "type": "number" },
    "tax":              { "type": "number" },
    "shipping_address": { "type": "string", "maxLength": 50 }
  }
}`)

var schemaLoader = gojsonschema.NewBytesLoader(payloadSchema)

// Order implements Initializer and Transformer.
type Order struct {
	table string
}

// New creates an Order writing to table, or DefaultTable if empty.
func New(table string) *Order {
	if table == "" {
		table = DefaultTable
	}
	return &Order{table: table}
}

func (o *Order) Name() string {
	return Name
}

func (o *Order) Init(ctx context.Context) (string, error) {
	return createTableStatement(o.table), nil
}

func (o *Order) Transform(ctx context.Context, payload []byte) ([]string, error) {

	p, err := decode(payload)
	if err != nil {
		return nil, err
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%d, %d, %d, %s, %s, %s, %s)",
		pq.QuoteIdentifier(o.table),
		strings.Join(columns, ", "),
		p.OrderId,
		p.ProductId,
		p.Quantity,
		formatFloat(p.Amount),
		formatFloat(p.Shipping),
		formatFloat(p.Tax),
		pq.QuoteLiteral(p.ShippingAddress))

	return []string{stmt}, nil
}

// SaveOrder implements Initializer and SaveTransformer.
type SaveOrder struct {
	table string
}

func NewSave(table string) *SaveOrder {
	if table == "" {
		table = DefaultTable
	}
	return &SaveOrder{table: table}
}

func (o *SaveOrder) Name() string {
	return SaveName
}

func (o *SaveOrder) Init(ctx context.Context) (string, error) {
	return createTableStatement(o.table), nil
}

func (o *SaveOrder) TransformSave(ctx context.Context, payload []byte, conn entity.SinkConn) error {

	p, err := decode(payload)
	if err != nil {
		return err
	}

	_, err = conn.ExecContext(ctx, insertStatement(o.table),
		p.OrderId, p.ProductId, p.Quantity, p.Amount, p.Shipping, p.Tax, p.ShippingAddress)
	if err != nil {
		return entity.Failure("inserting order %d: %v", p.OrderId, err)
	}
	return nil
}

var columns = []string{"order_id", "product_id", "quantity", "amount", "shipping", "tax", "shipping_address"}

func createTableStatement(table string) string {
	return "CREATE TABLE IF NOT EXISTS " + pq.QuoteIdentifier(table) + " (" +
		"order_id INT, " +
		"product_id INT, " +
		"quantity INT, " +
		"amount FLOAT, " +
		"shipping FLOAT, " +
		"tax FLOAT, " +
		"shipping_address VARCHAR(50), " +
		"date_registered TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP)"
}

func insertStatement(table string) string {
	return "INSERT INTO " + pq.QuoteIdentifier(table) + " (" + strings.Join(columns, ", ") + ") " +
		"VALUES ($1, $2, $3, $4, $5, $6, $7)"
}

func decode(payload []byte) (Payload, error) {

	var p Payload

	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return p, entity.Failure("invalid order payload: %v", err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return p, entity.Failure("invalid order payload: %s", strings.Join(details, "; "))
	}

	if err = json.Unmarshal(payload, &p); err != nil {
		return p, entity.Failure("invalid order payload: %v", err)
	}
	return p, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
