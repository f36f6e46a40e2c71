package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"k8s.io/klog/v2"
)

// RunServer serves the pruner's registry on addr. Useful for watching a cold
// run, which can take hours against a large account. Blocks; run it in a
// goroutine.
func RunServer(addr string) {
	if addr == "" {
		return
	}

	handler := promhttp.HandlerFor(
		registry,
		promhttp.HandlerOpts{
			ErrorHandling: promhttp.HTTPErrorOnError,
		},
	)

	router := http.NewServeMux()
	router.Handle("/metrics", handler)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	if err := srv.ListenAndServe(); err != nil {
		klog.Errorf("error starting metrics server: %v", err)
	}
}
