package queue

import (
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/joseph-ayodele/receipts-pipeline/internal/entity"
)

// EncodeJob renders a job message as protojson of a structpb.Struct.
func EncodeJob(job entity.Job) ([]byte, error) {
	ts := timestamppb.New(job.EnqueuedAt)
	s, err := structpb.NewStruct(map[string]any{
		"receipt_id":    job.ReceiptID.String(),
		"attempt_count": job.AttemptCount,
		"enqueued_at": map[string]any{
			"seconds": ts.GetSeconds(),
			"nanos":   ts.GetNanos(),
		},
		"trace_id": job.TraceID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}
	return protojson.Marshal(s)
}

// DecodeJob parses a message produced by EncodeJob.
func DecodeJob(data []byte) (entity.Job, error) {
	var s structpb.Struct
	if err := protojson.Unmarshal(data, &s); err != nil {
		return entity.Job{}, fmt.Errorf("decode job: %w", err)
	}
	fields := s.GetFields()

	id, err := uuid.Parse(fields["receipt_id"].GetStringValue())
	if err != nil {
		return entity.Job{}, fmt.Errorf("decode job: receipt_id: %w", err)
	}

	enq := fields["enqueued_at"].GetStructValue().GetFields()
	ts := &timestamppb.Timestamp{
		Seconds: int64(enq["seconds"].GetNumberValue()),
		Nanos:   int32(enq["nanos"].GetNumberValue()),
	}
	if err := ts.CheckValid(); err != nil {
		return entity.Job{}, fmt.Errorf("decode job: enqueued_at: %w", err)
	}

	return entity.Job{
		ReceiptID:    id,
		AttemptCount: int(fields["attempt_count"].GetNumberValue()),
		EnqueuedAt:   ts.AsTime(),
		TraceID:      fields["trace_id"].GetStringValue(),
	}, nil
}
