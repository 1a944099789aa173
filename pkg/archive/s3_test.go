package archive

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/claimbot/claimbot/pkg/common/logger"
)

type fakeS3 struct {
	keys   []string
	bodies []string
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	raw, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.keys = append(f.keys, aws.ToString(in.Key))
	f.bodies = append(f.bodies, string(raw))
	return &s3.PutObjectOutput{}, nil
}

func TestPutWritesOneObjectPerStream(t *testing.T) {
	fake := &fakeS3{}
	sink := &S3Sink{client: fake, bucket: "audit", prefix: "claimbot"}
	at := time.Date(2021, 9, 12, 10, 0, 0, 0, time.UTC)

	err := sink.Put(context.Background(), []logger.ArchiveRecord{
		{Stream: logger.StreamRequests, Kind: logger.GiftAidRequest, TransactionID: "t1", Time: at, Body: "<req1/>"},
		{Stream: logger.StreamResponses, Kind: logger.GiftAidResponse, TransactionID: "t1", Time: at, Body: "<resp1/>"},
		{Stream: logger.StreamRequests, Kind: logger.GiftAidPollRequest, TransactionID: "t2", Time: at, Body: "<req2/>"},
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	if len(fake.keys) != 2 {
		t.Fatalf("expected 2 objects, got %v", fake.keys)
	}
	if !strings.HasPrefix(fake.keys[0], "claimbot/gift_aid_requests/2021/09/12/") {
		t.Fatalf("unexpected key %s", fake.keys[0])
	}
	if got := strings.Count(fake.bodies[0], "\n"); got != 2 {
		t.Fatalf("expected 2 request lines, got %d", got)
	}
	if !strings.Contains(fake.bodies[1], `"transaction_id":"t1"`) {
		t.Fatalf("unexpected response body %s", fake.bodies[1])
	}
}
