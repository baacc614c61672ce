package envelope

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Queue rows store instruction sets as deterministic CBOR so identical sets
// produce identical bytes.
var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error

	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("envelope: cbor encoder initialization failed: " + err.Error())
	}

	cborDec, err = cbor.DecOptions{MaxNestedLevels: 16}.DecMode()
	if err != nil {
		panic("envelope: cbor decoder initialization failed: " + err.Error())
	}
}

// MarshalInstruction encodes set for storage in a queue row.
func MarshalInstruction(set *InstructionSet) ([]byte, error) {
	data, err := cborEnc.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("envelope: encoding instruction set: %w", err)
	}

	return data, nil
}

// UnmarshalInstruction decodes a stored instruction set.
func UnmarshalInstruction(data []byte) (*InstructionSet, error) {
	var set InstructionSet
	if err := cborDec.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("envelope: decoding instruction set: %w", err)
	}

	return &set, nil
}
