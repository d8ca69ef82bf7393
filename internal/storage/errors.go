package storage

import "errors"

// ErrPositionNotFound is returned when a position id is not in the ledger.
var ErrPositionNotFound = errors.New("position not found")

// ErrTradeNotFound is returned when a trade id is not in the ledger.
var ErrTradeNotFound = errors.New("trade not found")

// ErrDuplicatePosition is returned when adding a position whose id already exists.
var ErrDuplicatePosition = errors.New("position already exists")

// ErrDuplicateTrade is returned when adding a trade whose id already exists.
var ErrDuplicateTrade = errors.New("trade already exists")
