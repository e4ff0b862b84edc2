package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/driver"
	"github.com/Ataraxy-Labs/sandbox-sdk-sub001/internal/errdefs"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSandboxLifecycle(t *testing.T) {
	t.Log("Creating sandbox...")
	id := createTestSandbox(t)

	// The container is up, but the very first exec can race image setup on a
	// cold pull. Retry a few times before judging.
	t.Log("Executing code...")
	var execResp struct {
		Stdout   string `json:"stdout"`
		Stderr   string `json:"stderr"`
		ExitCode int    `json:"exit_code"`
	}
	for i := 0; i < 5; i++ {
		resp, err := doJSON(http.MethodPost, fmt.Sprintf("%s/sandbox/%s/exec", apiBase, id), map[string]string{
			"language": "python",
			"code":     "print('Lifecycle Test Success')",
		})
		require.NoError(t, err)
		ok := resp.StatusCode == http.StatusOK
		if ok {
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&execResp))
		}
		resp.Body.Close()
		if ok {
			break
		}
		time.Sleep(1 * time.Second)
	}
	assert.Contains(t, execResp.Stdout, "Lifecycle Test Success")
	assert.Zero(t, execResp.ExitCode)

	t.Log("Checking user history...")
	resp, err := doJSON(http.MethodGet, apiBase+"/user/sandboxes", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listResp struct {
		Sandboxes []struct {
			SandboxID string `json:"sandboxId"`
			Provider  string `json:"provider"`
			Status    string `json:"status"`
		} `json:"sandboxes"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listResp))

	found := false
	for _, s := range listResp.Sandboxes {
		if s.SandboxID == id {
			found = true
			assert.Equal(t, "docker", s.Provider)
		}
	}
	assert.True(t, found, "sandbox should appear in user history")

	status, err := testDriver.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, driver.StatusReady, status)
}

func TestPauseResume(t *testing.T) {
	ctx := context.Background()
	id := createTestSandbox(t)

	t.Log("Pausing...")
	require.NoError(t, testDriver.Pause(ctx, id))
	status, err := testDriver.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, driver.StatusStopped, status)

	t.Log("Resuming...")
	require.NoError(t, testDriver.Resume(ctx, id))
	status, err = testDriver.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, driver.StatusReady, status)

	res, err := testDriver.Run(ctx, id, driver.RunCommand{Cmd: "echo", Args: []string{"alive"}})
	require.NoError(t, err)
	assert.Equal(t, "alive\n", res.Stdout)
}

func TestDestroyRemovesSandbox(t *testing.T) {
	ctx := context.Background()
	id := createTestSandbox(t)

	resp, err := doJSON(http.MethodPost, apiBase+"/sandbox/"+id+"/destroy", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, err = testDriver.Get(ctx, id)
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err), "expected not_found, got %v", err)
}

func TestVolumePersistence(t *testing.T) {
	ctx := context.Background()

	volName := "sandboxd-it-" + uuid.NewString()[:8]
	_, err := testDriver.CreateVolume(ctx, volName)
	require.NoError(t, err)
	t.Cleanup(func() { testDriver.DeleteVolume(context.Background(), volName) })

	t.Log("Writing through the first sandbox...")
	first, err := testDriver.Create(ctx, driver.CreateOptions{
		Image:   testImage,
		Volumes: map[string]string{"/data": volName},
	})
	require.NoError(t, err)
	require.NoError(t, testDriver.WriteFile(ctx, first.ID, "/data/x.txt", []byte("persistent"), 0))
	require.NoError(t, testDriver.Destroy(ctx, first.ID))

	t.Log("Reading through a fresh sandbox...")
	second, err := testDriver.Create(ctx, driver.CreateOptions{
		Image:   testImage,
		Volumes: map[string]string{"/data": volName},
	})
	require.NoError(t, err)
	t.Cleanup(func() { testDriver.Destroy(context.Background(), second.ID) })

	data, err := testDriver.ReadFile(ctx, second.ID, "/data/x.txt")
	require.NoError(t, err)
	assert.Equal(t, "persistent", string(data))
}

func TestPortExposure(t *testing.T) {
	ctx := context.Background()

	info, err := testDriver.Create(ctx, driver.CreateOptions{
		Image:          testImage,
		EncryptedPorts: []int{18080},
		Command:        []string{"python3", "-m", "http.server", "18080"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { testDriver.Destroy(context.Background(), info.ID) })

	urls, err := testDriver.ProcessURLs(ctx, info.ID, []int{18080})
	require.NoError(t, err)
	u := urls[18080]
	require.NotEmpty(t, u)
	assert.Regexp(t, `^http://127\.0\.0\.1:\d+$`, u)

	// The server inside needs a moment to bind.
	require.Eventually(t, func() bool {
		resp, err := http.Get(u)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 15*time.Second, 500*time.Millisecond, "server inside the sandbox should answer")
}
