package kafka

import (
	"errors"
	"testing"

	kgo "github.com/segmentio/kafka-go"

	"stockwatch/internal/retry"
	logx "stockwatch/pkg/logx"
)

func TestNewValidatesBrokers(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty broker list")
	}

	d, err := New(Config{Brokers: []string{"localhost:9092"}}, logx.Nop())
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if d.cfg.DefaultTopic == "" {
		t.Fatal("default topic not applied")
	}
}

func TestTagWriteErrorTemporary(t *testing.T) {
	t.Parallel()
	got := tagWriteError(kgo.LeaderNotAvailable)
	if retry.IsNoRetry(got) {
		t.Fatalf("leader elections should stay retryable: %v", got)
	}
	if k := retry.Classify(got); k != retry.KindDestinationBusy {
		t.Fatalf("Classify = %s, want %s", k, retry.KindDestinationBusy)
	}
}

func TestTagWriteErrorPermanent(t *testing.T) {
	t.Parallel()
	got := tagWriteError(kgo.TopicAuthorizationFailed)
	if !retry.IsNoRetry(got) {
		t.Fatalf("auth failures must be terminal: %v", got)
	}
	if k := retry.Classify(got); k != retry.KindDestinationUnreachable {
		t.Fatalf("Classify = %s, want %s", k, retry.KindDestinationUnreachable)
	}
}

func TestTagWriteErrorUnwrapsWriteErrors(t *testing.T) {
	t.Parallel()
	got := tagWriteError(kgo.WriteErrors{kgo.RequestTimedOut})
	if retry.IsNoRetry(got) {
		t.Fatalf("timed out writes should stay retryable: %v", got)
	}
}

func TestTagWriteErrorPlain(t *testing.T) {
	t.Parallel()
	got := tagWriteError(errors.New("dial tcp: connection refused"))
	if k := retry.Classify(got); k != retry.KindDestinationBusy {
		t.Fatalf("Classify = %s, want %s", k, retry.KindDestinationBusy)
	}
}
