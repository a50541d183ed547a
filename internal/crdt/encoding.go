package crdt

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

const (
	opInsert = "i"
	opDelete = "d"
	opSet    = "s"
)

type op struct {
	Kind   string `bson:"k"`
	ID     ID     `bson:"id"`
	Origin ID     `bson:"o"`
	Target ID     `bson:"t"`
	Value  []byte `bson:"v,omitempty"`
}

type frame struct {
	Ops []op `bson:"ops"`
}

func encodeOps(ops []op) ([]byte, error) {
	data, err := bson.Marshal(frame{Ops: ops})
	if err != nil {
		return nil, fmt.Errorf("encode update: %w", err)
	}
	return data, nil
}

func decodeOps(update []byte) ([]op, error) {
	var f frame
	if err := bson.Unmarshal(update, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	for _, o := range f.Ops {
		switch o.Kind {
		case opInsert:
			if o.ID.Client == "" || o.ID.Clock <= 0 {
				return nil, fmt.Errorf("%w: insert without id", ErrMalformedUpdate)
			}
		case opSet:
			if o.ID.Client == "" || o.ID.Clock <= 0 || o.Target.IsZero() {
				return nil, fmt.Errorf("%w: set without id or target", ErrMalformedUpdate)
			}
		case opDelete:
			if o.Target.IsZero() {
				return nil, fmt.Errorf("%w: delete without target", ErrMalformedUpdate)
			}
		default:
			return nil, fmt.Errorf("%w: unknown operation %q", ErrMalformedUpdate, o.Kind)
		}
	}
	return f.Ops, nil
}
