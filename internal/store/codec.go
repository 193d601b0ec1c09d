package store

import (
	"github.com/fxamacker/cbor/v2"
)

// Values written to Redis use Core Deterministic Encoding: the same contract
// always produces the same bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("store: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("store: CBOR decoder initialization failed: " + err.Error())
	}
}

type contractRecord struct {
	Beneficiary string `cbor:"1,keyasint"`
	Delay       uint64 `cbor:"2,keyasint"`
	LastPing    uint64 `cbor:"3,keyasint"`
}

type policyRecord struct {
	MinDelay uint64 `cbor:"1,keyasint"`
	MaxDelay uint64 `cbor:"2,keyasint"`
}

func marshalCBOR(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func unmarshalCBOR(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
