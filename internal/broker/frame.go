// frame.go decodes the upstream binary framing.
//
// The wire stream is a sequence of envelopes:
//
//	[4B LE payload length][payload]
//
// A payload starts with a 1-byte message type:
//
//	0x01 tick          [1B key length][key][8B LE seq][4B LE field mask][8B per set bit]
//	0x02 market status [1B status code][UTF-8 message]
//
// Every tick field is 8 bytes: prices are int64 paise (hundredths), sizes
// and timestamps are int64, Greeks are IEEE-754 bits. Bits above the known
// range are skipped by size, so new upstream fields pass through harmlessly.
// Envelopes may split or batch arbitrarily across reads; the decoder
// reassembles.
package broker

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"optionrelay/pkg/types"
)

const (
	msgTypeTick         = 0x01
	msgTypeMarketStatus = 0x02

	statusClosed = 0x01

	envelopeHeaderLen = 4
	tickFieldLen      = 8
	maxFieldBit       = 32
)

// Tick field mask bits, ascending wire order.
const (
	bitLtp = iota
	bitBid
	bitAsk
	bitBidQty
	bitAskQty
	bitVolume
	bitOI
	bitBidTS
	bitAskTS
	bitIV
	bitDelta
	bitGamma
	bitTheta
	bitVega
)

// frameDecoder reassembles envelopes from an arbitrary chunking of the wire
// stream. Oversized payloads are consumed and counted without buffering.
type frameDecoder struct {
	buf    []byte
	skip   int
	maxLen int
}

func newFrameDecoder(maxLen int) *frameDecoder {
	return &frameDecoder{maxLen: maxLen}
}

// feed appends raw bytes and extracts every complete payload. It returns the
// payloads and the number of oversized envelopes discarded in this call.
func (d *frameDecoder) feed(data []byte) (payloads [][]byte, oversized int) {
	d.buf = append(d.buf, data...)
	for {
		if d.skip > 0 {
			n := d.skip
			if n > len(d.buf) {
				n = len(d.buf)
			}
			d.buf = d.buf[n:]
			d.skip -= n
			if d.skip > 0 {
				return payloads, oversized
			}
		}
		if len(d.buf) < envelopeHeaderLen {
			return payloads, oversized
		}
		length := int(binary.LittleEndian.Uint32(d.buf[:envelopeHeaderLen]))
		if length > d.maxLen {
			oversized++
			d.buf = d.buf[envelopeHeaderLen:]
			d.skip = length
			continue
		}
		if len(d.buf) < envelopeHeaderLen+length {
			return payloads, oversized
		}
		payload := make([]byte, length)
		copy(payload, d.buf[envelopeHeaderLen:envelopeHeaderLen+length])
		d.buf = d.buf[envelopeHeaderLen+length:]
		payloads = append(payloads, payload)
	}
}

// decodeTick parses a tick body (the payload after the message-type byte).
// The instrument key is canonicalized. Absent fields stay nil on the Tick.
func decodeTick(body []byte) (KeyedTick, error) {
	if len(body) < 1 {
		return KeyedTick{}, fmt.Errorf("tick body empty")
	}
	keyLen := int(body[0])
	body = body[1:]
	if len(body) < keyLen+8+4 {
		return KeyedTick{}, fmt.Errorf("tick body truncated: %d bytes for key length %d", len(body), keyLen)
	}
	key := types.CanonicalKey(string(body[:keyLen]))
	if key == "" {
		return KeyedTick{}, fmt.Errorf("tick with empty instrument key")
	}
	body = body[keyLen:]

	seq := binary.LittleEndian.Uint64(body[:8])
	mask := binary.LittleEndian.Uint32(body[8:12])
	body = body[12:]

	need := 0
	for bit := 0; bit < maxFieldBit; bit++ {
		if mask>>uint(bit)&1 == 1 {
			need += tickFieldLen
		}
	}
	if len(body) < need {
		return KeyedTick{}, fmt.Errorf("tick fields truncated: mask %#x needs %d bytes, have %d", mask, need, len(body))
	}

	tick := types.Tick{Seq: seq}
	next := func() []byte {
		f := body[:tickFieldLen]
		body = body[tickFieldLen:]
		return f
	}
	for bit := 0; bit < maxFieldBit; bit++ {
		if mask>>uint(bit)&1 == 0 {
			continue
		}
		raw := next()
		switch bit {
		case bitLtp:
			tick.Ltp = decPaise(raw)
		case bitBid:
			tick.Bid = decPaise(raw)
		case bitAsk:
			tick.Ask = decPaise(raw)
		case bitBidQty:
			tick.BidQty = types.Int64Ptr(int64(binary.LittleEndian.Uint64(raw)))
		case bitAskQty:
			tick.AskQty = types.Int64Ptr(int64(binary.LittleEndian.Uint64(raw)))
		case bitVolume:
			tick.Volume = types.Int64Ptr(int64(binary.LittleEndian.Uint64(raw)))
		case bitOI:
			tick.OI = types.Int64Ptr(int64(binary.LittleEndian.Uint64(raw)))
		case bitBidTS:
			tick.BidTS = types.Int64Ptr(int64(binary.LittleEndian.Uint64(raw)))
		case bitAskTS:
			tick.AskTS = types.Int64Ptr(int64(binary.LittleEndian.Uint64(raw)))
		case bitIV:
			tick.IV = types.Float64Ptr(math.Float64frombits(binary.LittleEndian.Uint64(raw)))
		case bitDelta:
			tick.Delta = types.Float64Ptr(math.Float64frombits(binary.LittleEndian.Uint64(raw)))
		case bitGamma:
			tick.Gamma = types.Float64Ptr(math.Float64frombits(binary.LittleEndian.Uint64(raw)))
		case bitTheta:
			tick.Theta = types.Float64Ptr(math.Float64frombits(binary.LittleEndian.Uint64(raw)))
		case bitVega:
			tick.Vega = types.Float64Ptr(math.Float64frombits(binary.LittleEndian.Uint64(raw)))
		default:
			// Reserved bit: field skipped by size.
		}
	}
	return KeyedTick{Key: key, Tick: tick}, nil
}

func decPaise(raw []byte) *decimal.Decimal {
	d := decimal.New(int64(binary.LittleEndian.Uint64(raw)), -2)
	return &d
}

// decodeMarketStatus parses a market-status body into its code and message.
func decodeMarketStatus(body []byte) (code byte, msg string, err error) {
	if len(body) < 1 {
		return 0, "", fmt.Errorf("market status body empty")
	}
	return body[0], string(body[1:]), nil
}
