package prometheus

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/fleetwarden/internal/integration"
	"github.com/mattjoyce/fleetwarden/internal/integrations/httpx"
	"github.com/mattjoyce/fleetwarden/internal/log"
	"github.com/mattjoyce/fleetwarden/internal/pluginerr"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

const upVector = `{"status":"success","data":{"resultType":"vector","result":[
	{"metric":{"__name__":"up","instance":"web2:9100","job":"node"},"value":[1700000000.5,"1"]},
	{"metric":{"__name__":"up","instance":"web1:9100","job":"node"},"value":[1700000000.5,"0"]},
	{"metric":{"__name__":"up","instance":"web1:8080","job":"app"},"value":[1700000000.5,"1"]},
	{"metric":{"__name__":"up","job":"pushgateway"},"value":[1700000000.5,"1"]}
]}}`

func fakePrometheus(t *testing.T, queries map[string]string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(healthPath, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("Prometheus Server is Healthy.\n"))
	})
	mux.HandleFunc(queryPath, func(w http.ResponseWriter, r *http.Request) {
		body, ok := queries[r.URL.Query().Get("query")]
		if !ok {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"status":"error","errorType":"bad_data","error":"parse error"}`))
			return
		}
		_, _ = w.Write([]byte(body))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newPlugin(t *testing.T, url string, label string) *Plugin {
	t.Helper()
	p, err := New(Config{HTTP: httpx.Config{BaseURL: url}, NodeLabel: label})
	require.NoError(t, err)
	return p
}

func TestInitializeAndHealth(t *testing.T) {
	p := newPlugin(t, fakePrometheus(t, nil).URL, "")
	require.NoError(t, p.Initialize(context.Background()))
	assert.True(t, p.IsInitialized())

	h := p.HealthCheck(context.Background())
	assert.True(t, h.Healthy)
	assert.Equal(t, "Prometheus Server is Healthy.", h.Message)
}

func TestGetInventory_MergesJobsPerHost(t *testing.T) {
	p := newPlugin(t, fakePrometheus(t, map[string]string{"up": upVector}).URL, "")

	nodes, err := p.GetInventory(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 2)

	assert.Equal(t, "web1", nodes[0].Name)
	assert.Equal(t, []string{"app", "node"}, nodes[0].Groups)
	assert.Equal(t, true, nodes[0].Config["up"])

	assert.Equal(t, "web2", nodes[1].Name)
	assert.Equal(t, []string{"node"}, nodes[1].Groups)
}

func TestGetInventory_CustomLabelKeepsValue(t *testing.T) {
	p := newPlugin(t, fakePrometheus(t, map[string]string{"up": upVector}).URL, "job")

	nodes, err := p.GetInventory(context.Background())
	require.NoError(t, err)
	names := make([]string, 0, len(nodes))
	for _, n := range nodes {
		names = append(names, n.Name)
	}
	assert.Equal(t, []string{"app", "node", "pushgateway"}, names)
}

func TestQuery_Scalar(t *testing.T) {
	p := newPlugin(t, fakePrometheus(t, map[string]string{
		"1+1": `{"status":"success","data":{"resultType":"scalar","result":[1700000000,"2"]}}`,
	}).URL, "")

	out, err := p.ExecuteCapability(context.Background(), integration.Call{
		Capability: integration.CapMetricsQuery,
		Input:      integration.Input{"query": "1+1"},
	})
	require.NoError(t, err)
	res := out.(*QueryResult)
	assert.Equal(t, "scalar", res.ResultType)
	require.Len(t, res.Samples, 1)
	assert.Equal(t, 2.0, *res.Samples[0].Value)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), *res.Samples[0].Timestamp)
}

func TestQuery_Matrix(t *testing.T) {
	p := newPlugin(t, fakePrometheus(t, map[string]string{
		"up[1m]": `{"status":"success","data":{"resultType":"matrix","result":[
			{"metric":{"instance":"web1:9100"},"values":[[1700000000,"1"],[1700000015,"0"]]}
		]}}`,
	}).URL, "")

	res, err := p.Query(context.Background(), "up[1m]", "")
	require.NoError(t, err)
	require.Len(t, res.Samples, 1)
	require.Len(t, res.Samples[0].Values, 2)
	assert.Equal(t, 0.0, res.Samples[0].Values[1].Value)
	assert.Nil(t, res.Samples[0].Value)
}

func TestQuery_Errors(t *testing.T) {
	p := newPlugin(t, fakePrometheus(t, map[string]string{
		"garbage": `{"status":"success","data":{"resultType":"vector","result":[{"metric":{},"value":[1,2,3]}]}}`,
		"soft":    `{"status":"error","errorType":"timeout","error":"query timed out"}`,
	}).URL, "")

	_, err := p.Query(context.Background(), "sum(", "")
	assert.Equal(t, pluginerr.CodeQuery, pluginerr.CodeOf(err))
	assert.Contains(t, err.Error(), "parse error")

	_, err = p.Query(context.Background(), "soft", "")
	assert.Equal(t, pluginerr.CodeQuery, pluginerr.CodeOf(err))
	assert.Contains(t, err.Error(), "query timed out")

	_, err = p.Query(context.Background(), "garbage", "")
	assert.Equal(t, pluginerr.CodeParse, pluginerr.CodeOf(err))

	_, err = p.Query(context.Background(), " ", "")
	assert.Equal(t, pluginerr.CodeQuery, pluginerr.CodeOf(err))
}

func TestHealthCheck_Down(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	h := newPlugin(t, url, "").HealthCheck(context.Background())
	assert.False(t, h.Healthy)
	assert.Equal(t, pluginerr.CodeConnection, h.Details["code"])
}
