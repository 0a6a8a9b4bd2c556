package notify

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type fakeSmtp struct {
	host     string
	smtpPort int
	webUrl   string
}

func setupSmtp(t *testing.T) (fakeSmtp, func()) {
	if testing.Short() {
		t.Skip("skipping smtp container in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	// suppress logging
	testcontainers.Logger = log.New(io.Discard, "", 0)

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(
		ctx,
		testcontainers.GenericContainerRequest{
			Started: true,
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "haravich/fake-smtp-server",
				ExposedPorts: []string{"1025/tcp", "1080/tcp"},
				WaitingFor:   wait.ForLog("smtp://0.0.0.0:1025"),
			},
		},
	)
	require.NoError(t, err)
	cleanup := func() {
		err := container.Terminate(context.Background())
		if err != nil {
			t.Fatal(err)
		}
	}

	host, err := container.Host(ctx)
	require.NoError(t, err)
	smtpPort, err := container.MappedPort(ctx, "1025/tcp")
	require.NoError(t, err)
	webPort, err := container.MappedPort(ctx, "1080/tcp")
	require.NoError(t, err)

	return fakeSmtp{
		host:     host,
		smtpPort: smtpPort.Int(),
		webUrl:   fmt.Sprintf("http://%s:%d", host, webPort.Int()),
	}, cleanup
}

func TestEmailNotifierDelivers(t *testing.T) {
	server, cleanup := setupSmtp(t)
	defer cleanup()

	notifier, err := NewEmailNotifier(EmailConfig{
		Server:       server.host,
		Port:         server.smtpPort,
		EmailAddress: "alerts@ingestkit.test",
		Password:     "default",
		To:           []string{"oncall@ingestkit.test"},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = notifier.Notify(ctx, "ingestkit: job sync failed", "upstream returned 503")
	require.NoError(t, err)

	client := resty.New()
	require.Eventually(t, func() bool {
		res, err := client.R().Get(server.webUrl + "/messages/1.plain")
		if err != nil || res.StatusCode() != http.StatusOK {
			return false
		}
		return strings.Contains(string(res.Body()), "upstream returned 503")
	}, 5*time.Second, 100*time.Millisecond)
}
