package protoutil

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

func ProtoEqualError(expected, actual proto.Message) error {
	if !proto.Equal(expected, actual) {
		return fmt.Errorf("expected %s, got %s", format(expected), format(actual))
	}

	return nil
}

// ListEqualError compares actual, which must be a list value, element-wise
// against expected.
func ListEqualError(expected []*structpb.Value, actual *structpb.Value) error {
	list := actual.GetListValue()
	if list == nil {
		return fmt.Errorf("expected a list, got %s", format(actual))
	}

	if len(expected) != len(list.GetValues()) {
		return fmt.Errorf("len(%d) != len(%d)", len(expected), len(list.GetValues()))
	}

	for i := range expected {
		if err := ProtoEqualError(expected[i], list.GetValues()[i]); err != nil {
			return fmt.Errorf("mismatch[%d]: %w", i, err)
		}
	}

	return nil
}

func format(m proto.Message) string {
	b, err := protojson.Marshal(m)
	if err != nil {
		return fmt.Sprintf("%v", m)
	}
	return string(b)
}
