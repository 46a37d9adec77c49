//go:build integration

package firestore

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	pconfig "github.com/campusdash/api/internal/platform/config"
	pfirestore "github.com/campusdash/api/internal/platform/firestore"
)

const emulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

// newEmulatorProvider returns a provider for a fresh project on the Firestore emulator. An emulator
// already named by FIRESTORE_EMULATOR_HOST is reused; otherwise one is started in docker.
func newEmulatorProvider(t *testing.T, projectID string) *pfirestore.Provider {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}

	endpoint := strings.TrimSpace(os.Getenv("FIRESTORE_EMULATOR_HOST"))
	if endpoint == "" {
		endpoint = runEmulatorContainer(t)
	}
	awaitListener(t, endpoint, 30*time.Second)

	// each test gets its own project so collections never leak between tests
	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{
		ProjectID:    fmt.Sprintf("%s-%d", projectID, time.Now().UnixNano()),
		EmulatorHost: endpoint,
	})
	t.Cleanup(func() { _ = provider.Close(context.Background()) })
	return provider
}

func runEmulatorContainer(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available")
	}
	if err := docker(5*time.Second, "info"); err != nil {
		t.Skipf("docker daemon not available: %v", err)
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("allocate port: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()

	out, err := exec.Command("docker", "run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		emulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start", "--host-port=0.0.0.0:8080", "--quiet",
	).CombinedOutput()
	if err != nil {
		t.Fatalf("start firestore emulator: %v: %s", err, out)
	}
	id := strings.TrimSpace(string(out))
	t.Cleanup(func() { _ = docker(10*time.Second, "stop", id) })
	return fmt.Sprintf("127.0.0.1:%d", port)
}

func docker(timeout time.Duration, args ...string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return exec.CommandContext(ctx, "docker", args...).Run()
}

func awaitListener(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	for deadline := time.Now().Add(timeout); time.Now().Before(deadline); time.Sleep(200 * time.Millisecond) {
		if conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond); err == nil {
			_ = conn.Close()
			return
		}
	}
	t.Fatalf("firestore emulator at %s not ready within %s", endpoint, timeout)
}
