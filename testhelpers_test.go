//go:build integration

package main_test

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	kafkamodule "github.com/testcontainers/testcontainers-go/modules/kafka"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/magnetiq/service-booking-wizard/internal/application"
	"github.com/magnetiq/service-booking-wizard/internal/bookingapi"
	"github.com/magnetiq/service-booking-wizard/internal/domain/wizard"
	wizardEvents "github.com/magnetiq/service-booking-wizard/internal/events"
	"github.com/magnetiq/service-booking-wizard/internal/platform/database"
	"github.com/magnetiq/service-booking-wizard/internal/platform/kafka"
	"github.com/magnetiq/service-booking-wizard/internal/repository"
)

// startContainer starts req and terminates it when the test ends.
func startContainer(t *testing.T, req testcontainers.ContainerRequest) (host, port string) {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start %s container", req.Image)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate %s container: %v", req.Image, err)
		}
	})

	host, err = container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, nat.Port(req.ExposedPorts[0]))
	require.NoError(t, err)
	return host, mapped.Port()
}

// startPostgres starts PostgreSQL and returns a migrated gorm connection.
func startPostgres(t *testing.T) *gorm.DB {
	t.Helper()
	host, port := startContainer(t, testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "test_wizard",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	})

	cfg := database.PostgresConfig{
		Host: host, Port: port, User: "test", Password: "test", DBName: "test_wizard", SSLMode: "disable",
	}

	// Poll until gorm can actually connect and ping.
	var db *gorm.DB
	require.Eventually(t, func() bool {
		var err error
		db, err = database.Connect(cfg, zap.NewNop())
		return err == nil
	}, 30*time.Second, time.Second, "PostgreSQL not ready for connections")

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// startRedis starts Redis and returns a connected client.
func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	host, port := startContainer(t, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	})

	client, err := repository.ConnectRedis(context.Background(), repository.RedisConfig{Addr: net.JoinHostPort(host, port)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// startMongo starts MongoDB and returns a test database.
func startMongo(t *testing.T) *mongo.Database {
	t.Helper()
	host, port := startContainer(t, testcontainers.ContainerRequest{
		Image:        "mongo:7",
		ExposedPorts: []string{"27017/tcp"},
		WaitingFor:   wait.ForLog("Waiting for connections").WithStartupTimeout(60 * time.Second),
	})

	client, err := repository.ConnectMongo(context.Background(), fmt.Sprintf("mongodb://%s", net.JoinHostPort(host, port)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })
	return client.Database("test_wizard")
}

// startKafka starts a single-node Kafka and pre-creates the service topics.
func startKafka(t *testing.T) []string {
	t.Helper()
	ctx := context.Background()

	// confluent-local supports KRaft natively.
	kafkaContainer, err := kafkamodule.Run(ctx, "confluentinc/confluent-local:7.5.0")
	require.NoError(t, err, "failed to start Kafka container")
	t.Cleanup(func() {
		if err := kafkaContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate Kafka container: %v", err)
		}
	})

	brokers, err := kafkaContainer.Brokers(ctx)
	require.NoError(t, err, "failed to get Kafka brokers")

	createTopics(t, brokers, application.TopicWizardEvents, wizardEvents.TopicPaymentEvents)
	return brokers
}

// bookingBackend is a fake Booking API whose payment confirmations stay pending.
func bookingBackend(t *testing.T, bookingID uuid.UUID) *bookingapi.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v1/bookings":
			w.WriteHeader(http.StatusCreated)
			_, _ = fmt.Fprintf(w, `{"success":true,"data":{"booking_id":%q}}`, bookingID)
		case "/api/v1/bookings/" + bookingID.String() + "/payment":
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"success":true,"data":{"status":"pending"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return bookingapi.NewClient(bookingapi.Config{BaseURL: srv.URL, Timeout: 5 * time.Second}, zap.NewNop())
}

// newService wires a wizard service over storage.
func newService(t *testing.T, storage wizard.SessionStorage, api wizard.BookingAPI, publisher application.EventPublisher) *application.WizardService {
	t.Helper()
	policy := wizard.DefaultPolicy()
	policy.Debounce = 0
	registry, err := wizard.NewRegistry(wizard.DefaultSteps(policy), true)
	require.NoError(t, err)

	logger, _ := zap.NewDevelopment()
	svc := application.NewWizardService(registry, storage, api, publisher, application.ServiceConfig{
		Policy:      policy,
		Preferences: wizard.Preferences{Locale: "de-DE", Theme: "system"},
		Strict:      true,
		IdleTimeout: time.Minute,
	}, logger)
	t.Cleanup(svc.Shutdown)
	return svc
}

// fillWizard completes every step up to payment and fills the payment step.
func fillWizard(t *testing.T, svc *application.WizardService, id uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	steps := []map[string]string{
		{"selection.consultantId": "c-42"},
		{"schedule.date": svc.Availability().Dates[0], "schedule.timeSlot": "14:00"},
		{"contact.firstName": "Anna", "contact.lastName": "Berg", "contact.email": "anna@example.com"},
		{
			"billing.name": "Berg GmbH", "billing.street": "Hauptstr. 1", "billing.city": "Berlin",
			"billing.postalCode": "10115", "billing.country": "DE",
		},
	}
	for i, fields := range steps {
		_, err := svc.ChangeFields(ctx, id, application.ChangeFieldsRequest{Fields: fields})
		require.NoError(t, err)
		snap, err := svc.Next(ctx, id)
		require.NoError(t, err)
		require.Equal(t, i+1, snap.StepIndex, "step did not complete: %v", snap.Errors)
	}
	_, err := svc.ChangeFields(ctx, id, application.ChangeFieldsRequest{Fields: map[string]string{
		"payment.method": "card", "payment.acceptTerms": "true", "payment.token": "tok_1",
	}})
	require.NoError(t, err)
}

// publishTestEvent publishes a CloudEvent to Kafka.
func publishTestEvent(t *testing.T, brokers []string, topic, key, source, eventType string, data interface{}) {
	t.Helper()
	producer := kafka.NewProducer(brokers, zap.NewNop())
	defer func() { _ = producer.Close() }()

	ce, err := kafka.NewCloudEvent(source, eventType, data)
	require.NoError(t, err, "failed to create cloud event")
	require.NoError(t, producer.PublishEvent(context.Background(), topic, key, ce), "failed to publish event")
}

// consumeOneEvent reads from a Kafka topic until it finds an event of the expected type.
func consumeOneEvent(t *testing.T, brokers []string, topic, expectedType string, timeout time.Duration) kafka.CloudEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     brokers,
		GroupID:     fmt.Sprintf("test-assert-%s", uuid.New().String()[:8]),
		Topic:       topic,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafkago.FirstOffset,
	})
	defer func() { _ = reader.Close() }()

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				t.Fatalf("timed out waiting for event type %q on topic %q", expectedType, topic)
			}
			continue
		}
		ce, err := kafka.ParseCloudEvent(msg.Value)
		if err != nil {
			continue
		}
		if ce.Type == expectedType {
			return ce
		}
	}
}

// createTopics pre-creates Kafka topics so producers don't fail with "Unknown Topic".
func createTopics(t *testing.T, brokers []string, topics ...string) {
	t.Helper()
	conn, err := kafkago.Dial("tcp", brokers[0])
	require.NoError(t, err, "failed to dial Kafka for topic creation")
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err, "failed to get Kafka controller")

	controllerConn, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, fmt.Sprintf("%d", controller.Port)))
	require.NoError(t, err, "failed to connect to Kafka controller")
	defer controllerConn.Close()

	topicConfigs := make([]kafkago.TopicConfig, len(topics))
	for i, topic := range topics {
		topicConfigs[i] = kafkago.TopicConfig{
			Topic:             topic,
			NumPartitions:     1,
			ReplicationFactor: 1,
		}
	}
	require.NoError(t, controllerConn.CreateTopics(topicConfigs...), "failed to create Kafka topics")

	// Give Kafka a moment to propagate topic metadata.
	time.Sleep(1 * time.Second)
}
