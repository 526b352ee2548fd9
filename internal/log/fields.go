package log

import "log/slog"

// Shared attribute constructors so field names stay consistent between the
// HTTP layer, the services and the worker.

func Namespace(ns string) slog.Attr {
	return slog.String("namespace", ns)
}

func TransactionID(id string) slog.Attr {
	return slog.String("transaction_id", id)
}

func Category(name string) slog.Attr {
	return slog.String("category", name)
}

func Month(key string) slog.Attr {
	return slog.String("month", key)
}

func AmountYen(amount int64) slog.Attr {
	return slog.Int64("amount_yen", amount)
}
