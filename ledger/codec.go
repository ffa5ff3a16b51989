package ledger

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"time"

	"github.com/lightningnetwork/lnd/tlv"
	"github.com/satledger/paycore/amount"
)

// The journal record layout below is read by reconciliation tooling. Type
// numbers must never be reused.
const (
	timestampType     tlv.Type = 0
	categoryType      tlv.Type = 1
	methodType        tlv.Type = 2
	externalRefType   tlv.Type = 3
	postingsType      tlv.Type = 4
	displayAmountType tlv.Type = 5
	displayFeeType    tlv.Type = 6
	memoType          tlv.Type = 7
	flagsType         tlv.Type = 8

	indexCurrencyType  tlv.Type = 0
	indexDirectionType tlv.Type = 1
	indexUnitsType     tlv.Type = 2
	indexCategoryType  tlv.Type = 3
	indexDisplayType   tlv.Type = 4
)

const (
	flagSendAll uint8 = 1 << 0
	flagPending uint8 = 1 << 1
)

var byteOrder = binary.BigEndian

// errMalformedPostings is returned when the postings blob is truncated.
var errMalformedPostings = errors.New("malformed postings")

// serializeJournal encodes everything but the id, which is the key.
func serializeJournal(j *Journal) ([]byte, error) {
	var (
		timestamp     = uint64(j.Timestamp.UnixNano())
		category      = uint8(j.Category)
		method        = uint8(j.Method)
		externalRef   = []byte(j.ExternalRef)
		displayAmount = j.DisplayAmount.Units()
		displayFee    = j.DisplayFee.Units()
		memo          = []byte(j.Memo)
		flags         uint8
	)
	if j.SendAll {
		flags |= flagSendAll
	}
	if j.Pending {
		flags |= flagPending
	}

	var pb bytes.Buffer
	if err := writePostings(&pb, j.Postings); err != nil {
		return nil, err
	}
	postings := pb.Bytes()

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(timestampType, &timestamp),
		tlv.MakePrimitiveRecord(categoryType, &category),
		tlv.MakePrimitiveRecord(methodType, &method),
		tlv.MakePrimitiveRecord(externalRefType, &externalRef),
		tlv.MakePrimitiveRecord(postingsType, &postings),
		tlv.MakePrimitiveRecord(displayAmountType, &displayAmount),
		tlv.MakePrimitiveRecord(displayFeeType, &displayFee),
		tlv.MakePrimitiveRecord(memoType, &memo),
		tlv.MakePrimitiveRecord(flagsType, &flags),
	)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	if err := stream.Encode(&b); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

func deserializeJournal(id JournalID, v []byte) (*Journal, error) {
	var (
		timestamp, displayAmount, displayFee uint64
		category, method, flags              uint8
		externalRef, postings, memo          []byte
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(timestampType, &timestamp),
		tlv.MakePrimitiveRecord(categoryType, &category),
		tlv.MakePrimitiveRecord(methodType, &method),
		tlv.MakePrimitiveRecord(externalRefType, &externalRef),
		tlv.MakePrimitiveRecord(postingsType, &postings),
		tlv.MakePrimitiveRecord(displayAmountType, &displayAmount),
		tlv.MakePrimitiveRecord(displayFeeType, &displayFee),
		tlv.MakePrimitiveRecord(memoType, &memo),
		tlv.MakePrimitiveRecord(flagsType, &flags),
	)
	if err != nil {
		return nil, err
	}
	if err := stream.Decode(bytes.NewReader(v)); err != nil {
		return nil, err
	}

	ps, err := readPostings(bytes.NewReader(postings))
	if err != nil {
		return nil, err
	}

	return &Journal{
		ID:            id,
		Timestamp:     time.Unix(0, int64(timestamp)),
		Category:      Category(category),
		Method:        SettlementMethod(method),
		ExternalRef:   string(externalRef),
		Postings:      ps,
		DisplayAmount: amount.NewCents(displayAmount),
		DisplayFee:    amount.NewCents(displayFee),
		Memo:          string(memo),
		SendAll:       flags&flagSendAll != 0,
		Pending:       flags&flagPending != 0,
	}, nil
}

// writePostings encodes postings as:
//
//	uint16 count || { uint16 len || account || uint8 currency ||
//	uint8 direction || uint64 units }
func writePostings(w io.Writer, postings []Posting) error {
	if err := binary.Write(w, byteOrder, uint16(len(postings))); err != nil {
		return err
	}

	for _, p := range postings {
		account := []byte(p.Account)
		err := binary.Write(w, byteOrder, uint16(len(account)))
		if err != nil {
			return err
		}
		if _, err := w.Write(account); err != nil {
			return err
		}

		fields := []interface{}{
			uint8(p.Currency), uint8(p.Direction), p.Units,
		}
		for _, f := range fields {
			if err := binary.Write(w, byteOrder, f); err != nil {
				return err
			}
		}
	}

	return nil
}

func readPostings(r io.Reader) ([]Posting, error) {
	var count uint16
	if err := binary.Read(r, byteOrder, &count); err != nil {
		return nil, errMalformedPostings
	}

	postings := make([]Posting, 0, count)
	for i := 0; i < int(count); i++ {
		var n uint16
		if err := binary.Read(r, byteOrder, &n); err != nil {
			return nil, errMalformedPostings
		}

		account := make([]byte, n)
		if _, err := io.ReadFull(r, account); err != nil {
			return nil, errMalformedPostings
		}

		var (
			currency, direction uint8
			units               uint64
		)
		for _, f := range []interface{}{&currency, &direction, &units} {
			if err := binary.Read(r, byteOrder, f); err != nil {
				return nil, errMalformedPostings
			}
		}

		postings = append(postings, Posting{
			Account:   BookAccount(account),
			Currency:  amount.WalletCurrency(currency),
			Direction: Direction(direction),
			Units:     units,
		})
	}

	return postings, nil
}

// indexEntry is the per-account view of a journal, stored under the
// account's time index.
type indexEntry struct {
	currency amount.WalletCurrency
	outgoing bool
	units    uint64
	category Category
	display  uint64
}

func serializeIndexEntry(e *indexEntry) ([]byte, error) {
	var (
		currency  = uint8(e.currency)
		direction = uint8(Credit)
		category  = uint8(e.category)
	)
	if e.outgoing {
		direction = uint8(Debit)
	}

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(indexCurrencyType, &currency),
		tlv.MakePrimitiveRecord(indexDirectionType, &direction),
		tlv.MakePrimitiveRecord(indexUnitsType, &e.units),
		tlv.MakePrimitiveRecord(indexCategoryType, &category),
		tlv.MakePrimitiveRecord(indexDisplayType, &e.display),
	)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	if err := stream.Encode(&b); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

func deserializeIndexEntry(v []byte) (*indexEntry, error) {
	var (
		e                             indexEntry
		currency, direction, category uint8
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(indexCurrencyType, &currency),
		tlv.MakePrimitiveRecord(indexDirectionType, &direction),
		tlv.MakePrimitiveRecord(indexUnitsType, &e.units),
		tlv.MakePrimitiveRecord(indexCategoryType, &category),
		tlv.MakePrimitiveRecord(indexDisplayType, &e.display),
	)
	if err != nil {
		return nil, err
	}
	if err := stream.Decode(bytes.NewReader(v)); err != nil {
		return nil, err
	}

	e.currency = amount.WalletCurrency(currency)
	e.outgoing = Direction(direction) == Debit
	e.category = Category(category)

	return &e, nil
}

// indexKey is the big-endian nanosecond timestamp followed by the journal id,
// so a cursor walks an account's history in time order.
func indexKey(ts time.Time, id JournalID) []byte {
	var k [8 + 16]byte
	byteOrder.PutUint64(k[:8], uint64(ts.UnixNano()))
	copy(k[8:], id[:])

	return k[:]
}

// timeKey is the seek key for the first entry at or after ts.
func timeKey(ts time.Time) []byte {
	var k [8]byte
	byteOrder.PutUint64(k[:], uint64(ts.UnixNano()))

	return k[:]
}
