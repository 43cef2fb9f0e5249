package update

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ContentType is the media type of encoded batches and responses.
const ContentType = "application/x-protobuf"

const (
	fieldAdds    = "adds"
	fieldDeletes = "deletes"
	fieldCommit  = "commit"
	fieldStatus  = "status"
	fieldApplied = "applied"
	fieldMessage = "message"
)

// EncodeBatch marshals a batch into its binary wire form.
func EncodeBatch(b *Batch) ([]byte, error) {
	adds := make([]any, 0, len(b.Adds))
	for _, doc := range b.Adds {
		adds = append(adds, map[string]any(doc))
	}
	deletes := make([]any, 0, len(b.Deletes))
	for _, id := range b.Deletes {
		deletes = append(deletes, id)
	}

	s, err := structpb.NewStruct(map[string]any{
		fieldAdds:    adds,
		fieldDeletes: deletes,
		fieldCommit:  b.Commit,
	})
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	return proto.Marshal(s)
}

// DecodeBatch parses a batch produced by EncodeBatch.
func DecodeBatch(data []byte) (*Batch, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	fields := s.GetFields()

	b := &Batch{Commit: fields[fieldCommit].GetBoolValue()}
	for i, v := range fields[fieldAdds].GetListValue().GetValues() {
		doc := v.GetStructValue()
		if doc == nil {
			return nil, fmt.Errorf("decode batch: add %d is not a document", i)
		}
		b.Adds = append(b.Adds, Document(doc.AsMap()))
	}
	for i, v := range fields[fieldDeletes].GetListValue().GetValues() {
		id, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, fmt.Errorf("decode batch: delete %d is not a string", i)
		}
		b.Deletes = append(b.Deletes, id.StringValue)
	}
	return b, nil
}

// EncodeResponse marshals a replica response into its binary wire form.
func EncodeResponse(r *Response) ([]byte, error) {
	s, err := structpb.NewStruct(map[string]any{
		fieldStatus:  r.Status,
		fieldApplied: r.Applied,
		fieldMessage: r.Message,
	})
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return proto.Marshal(s)
}

// DecodeResponse parses a response produced by EncodeResponse.
func DecodeResponse(data []byte) (*Response, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	fields := s.GetFields()
	return &Response{
		Status:  int(fields[fieldStatus].GetNumberValue()),
		Applied: int(fields[fieldApplied].GetNumberValue()),
		Message: fields[fieldMessage].GetStringValue(),
	}, nil
}
