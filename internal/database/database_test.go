package database

import (
	"errors"
	"fmt"
	"testing"

	c "github.com/life-stream-dev/life-stream-go-session-host/internal/config"
	"go.mongodb.org/mongo-driver/mongo"
)

func TestDatabaseURL(t *testing.T) {
	tests := []struct {
		config c.DatabaseConfig
		want   string
	}{
		{c.DatabaseConfig{Host: "db", Port: 27017}, "mongodb://db:27017/"},
		{c.DatabaseConfig{Host: "db", Port: 27018, Username: "app", Password: "p@ss/word"}, "mongodb://app:p%40ss%2Fword@db:27018/?authSource=admin"},
	}
	for _, tt := range tests {
		if got := DatabaseURL(tt.config); got != tt.want {
			t.Errorf("got %s, want %s", got, tt.want)
		}
	}
}

func TestWrapError(t *testing.T) {
	err := wrapError(fmt.Errorf("find: %w", mongo.ErrNoDocuments), ErrSessionNotFound)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("missing documents must map to the not-found sentinel, got %v", err)
	}
	other := wrapError(errors.New("socket closed"), ErrSessionNotFound)
	if errors.Is(other, ErrSessionNotFound) {
		t.Fatal("transport failures must not look like a missing session")
	}
}
