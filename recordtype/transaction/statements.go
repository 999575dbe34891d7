package transaction

import "github.com/lib/pq"

type statements struct {
	create  string
	lock    string
	find    string
	confirm string
	insert  string
}

const keyCondition = "from_address = $1 AND to_address = $2 AND value_eth = $3 AND gas = $4"

func newStatements(table string) statements {
	t := pq.QuoteIdentifier(table)
	return statements{
		create: "CREATE TABLE IF NOT EXISTS " + t + " (" +
			"from_address VARCHAR(50), " +
			"to_address VARCHAR(50), " +
			"value_usd VARCHAR(50), " +
			"value_eth VARCHAR(50), " +
			"gas FLOAT, " +
			"confirmed BOOLEAN NOT NULL DEFAULT FALSE, " +
			"date_registered TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP)",
		lock:    "SELECT pg_advisory_xact_lock(hashtext($1))",
		find:    "SELECT 1 FROM " + t + " WHERE " + keyCondition + " LIMIT 1",
		confirm: "UPDATE " + t + " SET confirmed = TRUE WHERE " + keyCondition,
		insert: "INSERT INTO " + t + " (from_address, to_address, value_usd, value_eth, gas, confirmed) " +
			"VALUES ($1, $2, $3, $4, $5, $6)",
	}
}
