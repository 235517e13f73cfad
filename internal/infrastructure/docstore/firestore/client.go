package firestore

import (
	"context"
	"fmt"
	"os"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

type ClientConfig struct {
	ProjectID       string
	CredentialsPath string
	CredentialsJSON []byte
	// EmulatorHost points the client at a local Firestore emulator. It is
	// exported as FIRESTORE_EMULATOR_HOST, which the client library reads.
	EmulatorHost string
}

// NewClient initializes a Firebase app and returns its Firestore client.
func NewClient(ctx context.Context, cfg ClientConfig, logger *zap.SugaredLogger) (*firestore.Client, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("firestore project id is required")
	}
	if cfg.EmulatorHost != "" {
		if err := os.Setenv("FIRESTORE_EMULATOR_HOST", cfg.EmulatorHost); err != nil {
			return nil, fmt.Errorf("set emulator host: %w", err)
		}
	}

	var opts []option.ClientOption
	switch {
	case cfg.EmulatorHost != "":
	case len(cfg.CredentialsJSON) > 0:
		opts = append(opts, option.WithCredentialsJSON(cfg.CredentialsJSON))
	case cfg.CredentialsPath != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsPath))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
	}
	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get Firestore client: %w", err)
	}

	logger.Infow("connected to Firestore",
		"project_id", cfg.ProjectID,
		"emulator", cfg.EmulatorHost != "",
	)
	return client, nil
}
