// Package journal appends one line per finished trade to a per-day file and
// summarizes a day from it.
package journal

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"hash/crc32"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"optrader/internal/schema"
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

var (
	ErrChecksumMismatch = stderrors.New("journal checksum mismatch")
	ErrMalformedLine    = stderrors.New("journal malformed line")
)

// Entry is the journal record of one finished trade.
type Entry struct {
	Day         string            `json:"day"`
	TradeID     string            `json:"tradeId"`
	StrategyID  string            `json:"strategyId"`
	Instrument  string            `json:"instrument"`
	Direction   string            `json:"direction"`
	State       string            `json:"state"`
	Qty         int64             `json:"qty"`
	EntryPrice  decimal.Decimal   `json:"entryPrice"`
	StopPrice   decimal.Decimal   `json:"stopPrice"`
	TargetPrice decimal.Decimal   `json:"targetPrice"`
	ExitPrice   decimal.Decimal   `json:"exitPrice"`
	PnL         decimal.Decimal   `json:"pnl"`
	ExitReason  schema.ExitReason `json:"exitReason,omitempty"`
	Degraded    bool              `json:"degraded,omitempty"`
	OpenedAt    time.Time         `json:"openedAt"`
	ClosedAt    time.Time         `json:"closedAt"`
}

// FromPosition builds the entry of a trade that ended in state on day.
func FromPosition(day, state string, pos schema.Position) Entry {
	return Entry{
		Day:         day,
		TradeID:     pos.ID,
		StrategyID:  pos.StrategyID,
		Instrument:  pos.Instrument.String(),
		Direction:   pos.Direction.String(),
		State:       state,
		Qty:         pos.Qty,
		EntryPrice:  pos.EntryPrice,
		StopPrice:   pos.StopPrice,
		TargetPrice: pos.TargetPrice,
		ExitPrice:   pos.ExitPrice,
		PnL:         pos.PnL(),
		ExitReason:  pos.ExitReason,
		Degraded:    pos.Degraded,
		OpenedAt:    pos.OpenedAt,
		ClosedAt:    pos.ClosedAt,
	}
}

// encodeLine renders "<crc32c hex> <json>\n".
func encodeLine(e Entry) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "marshal journal entry")
	}
	sum := crc32.Checksum(payload, crcTable)
	line := make([]byte, 0, len(payload)+10)
	line = fmt.Appendf(line, "%08x ", sum)
	line = append(line, payload...)
	return append(line, '\n'), nil
}

func decodeLine(line []byte) (Entry, error) {
	var e Entry
	if len(line) < 10 || line[8] != ' ' {
		return e, ErrMalformedLine
	}
	expected, err := strconv.ParseUint(string(line[:8]), 16, 32)
	if err != nil {
		return e, ErrMalformedLine
	}
	payload := line[9:]
	if crc32.Checksum(payload, crcTable) != uint32(expected) {
		return e, ErrChecksumMismatch
	}
	if err := json.Unmarshal(payload, &e); err != nil {
		return e, errors.Wrap(ErrMalformedLine, err.Error())
	}
	return e, nil
}
