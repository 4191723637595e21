package validation

import (
	"encoding/hex"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/stratumbridge/internal/bitcoin"
	"github.com/bardlex/stratumbridge/internal/jobs"
	"github.com/bardlex/stratumbridge/pkg/errors"
)

// ErrMalformedShare is returned for submissions that cannot be decoded.
var ErrMalformedShare = errors.Sentinel("malformed share")

// Status is the verdict on a share.
type Status int

const (
	// StatusAccepted is a valid share that does not solve a block.
	StatusAccepted Status = iota
	// StatusBlock is a valid share that also clears the network target.
	StatusBlock
	// StatusStale names a job outside the retained window.
	StatusStale
	// StatusRejected carries a Reason.
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusBlock:
		return "block"
	case StatusStale:
		return "stale"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Reason qualifies a StatusRejected outcome.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonDuplicate
	ReasonLowDifficulty
	ReasonInvalid
)

func (r Reason) String() string {
	switch r {
	case ReasonDuplicate:
		return "duplicate"
	case ReasonLowDifficulty:
		return "low-difficulty"
	case ReasonInvalid:
		return "invalid"
	default:
		return ""
	}
}

// Share is a decoded mining.submit.
type Share struct {
	JobID       string
	Worker      string
	ExtraNonce1 []byte
	ExtraNonce2 []byte
	NTime       uint32
	Nonce       uint32
	// VersionBits is zero unless the worker negotiated version rolling.
	VersionBits uint32
	SubmittedAt time.Time
}

// NewShare decodes the hex fields of a mining.submit. versionBits may be
// empty.
func NewShare(worker string, extraNonce1 []byte, jobID, extraNonce2, ntime, nonce, versionBits string) (*Share, error) {
	en2, err := hex.DecodeString(extraNonce2)
	if err != nil {
		return nil, errors.Wrap(ErrMalformedShare, errors.ErrorTypeProtocol, "decode_share",
			"extranonce2 is not hex").WithContext("extranonce2", extraNonce2)
	}

	nt, err := bitcoin.ParseHexUint32(ntime)
	if err != nil {
		return nil, errors.Wrap(ErrMalformedShare, errors.ErrorTypeProtocol, "decode_share",
			"bad ntime").WithContext("ntime", ntime)
	}

	n, err := bitcoin.ParseHexUint32(nonce)
	if err != nil {
		return nil, errors.Wrap(ErrMalformedShare, errors.ErrorTypeProtocol, "decode_share",
			"bad nonce").WithContext("nonce", nonce)
	}

	var vb uint32
	if versionBits != "" {
		vb, err = bitcoin.ParseHexUint32(versionBits)
		if err != nil {
			return nil, errors.Wrap(ErrMalformedShare, errors.ErrorTypeProtocol, "decode_share",
				"bad version bits").WithContext("version_bits", versionBits)
		}
	}

	return &Share{
		JobID:       jobID,
		Worker:      worker,
		ExtraNonce1: extraNonce1,
		ExtraNonce2: en2,
		NTime:       nt,
		Nonce:       n,
		VersionBits: vb,
		SubmittedAt: time.Now(),
	}, nil
}

// Outcome is the result of validating one share.
type Outcome struct {
	Status Status
	Reason Reason
	Job    *jobs.Job
	Hash   chainhash.Hash
	// ShareDifficulty is the difficulty the hash actually achieved.
	ShareDifficulty float64
	// Difficulty is the worker's assigned difficulty at validation time.
	Difficulty float64
	Block      *wire.MsgBlock
	Err        error
}

// Valid reports whether the share counts toward the worker's work.
func (o Outcome) Valid() bool {
	return o.Status == StatusAccepted || o.Status == StatusBlock
}

// String renders the outcome for logs and events.
func (o Outcome) String() string {
	if o.Status == StatusRejected {
		return o.Reason.String()
	}
	return o.Status.String()
}

// Invalid builds a protocol-level rejection.
func Invalid(err error) Outcome {
	return Outcome{Status: StatusRejected, Reason: ReasonInvalid, Err: err}
}

// Session is the worker state the validator reads.
type Session interface {
	Identity() string
	Difficulty() float64
	// ShareTarget returns the target a share against jobID must meet and
	// the difficulty it is credited at.
	ShareTarget(jobID uint64) (*big.Int, float64)
	// VersionMask is the negotiated version-rolling mask, zero when off.
	VersionMask() uint32
}
