package readiness

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/fenio/setup-kubesolo/internal/logging"
	"github.com/fenio/setup-kubesolo/internal/systemd"
)

// APIPort is the fixed port KubeSolo's API server listens on.
const APIPort = 6443

// dialTimeout is the per-attempt timeout for the TCP port probe. Generous
// for a localhost connection; early attempts fail immediately with
// connection-refused while nothing is listening yet.
const dialTimeout = time.Second

// ServiceProbes is the production Probes implementation.
type ServiceProbes struct {
	Systemd        *systemd.Manager
	ServiceName    string
	KubeconfigPath string
	Log            *slog.Logger

	// Port defaults to APIPort when zero.
	Port int

	dialer net.Dialer

	// client caches the clientset built from the kubeconfig. Built lazily
	// because the kubeconfig does not exist until the service has started;
	// kept once built since its contents never change within a run.
	client kubernetes.Interface

	// newClient is overridable for tests; defaults to clientFromKubeconfig.
	newClient func(kubeconfigPath string) (kubernetes.Interface, error)
}

// NewServiceProbes creates production probes for the given service and
// credential file.
func NewServiceProbes(sd *systemd.Manager, serviceName, kubeconfigPath string, log *slog.Logger) *ServiceProbes {
	if log == nil {
		log = logging.Logger()
	}
	return &ServiceProbes{
		Systemd:        sd,
		ServiceName:    serviceName,
		KubeconfigPath: kubeconfigPath,
		Log:            log,
		Port:           APIPort,
	}
}

// ServiceActive implements Probes.
func (s *ServiceProbes) ServiceActive(ctx context.Context) bool {
	return s.Systemd.IsActive(ctx, s.ServiceName)
}

// PortListening implements Probes with a TCP dial against localhost.
func (s *ServiceProbes) PortListening(ctx context.Context) bool {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	addr := fmt.Sprintf("127.0.0.1:%d", s.port())
	conn, err := s.dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return false
	}
	_ = conn.Close() // best-effort close of a probe connection
	return true
}

// CredentialFilePresent implements Probes. On every true answer the file is
// re-chmodded to 0644 so consumers running as other users can read it; the
// chmod is idempotent and its failure only logged.
func (s *ServiceProbes) CredentialFilePresent(_ context.Context) bool {
	if _, err := os.Stat(s.KubeconfigPath); err != nil {
		return false
	}
	if err := os.Chmod(s.KubeconfigPath, 0o644); err != nil {
		s.Log.Warn("relax kubeconfig permissions", "path", s.KubeconfigPath, "error", err)
	}
	return true
}

// APIReachable implements Probes: a node list against the credential file
// must succeed and return at least one node.
func (s *ServiceProbes) APIReachable(ctx context.Context) bool {
	client, err := s.getClient()
	if err != nil {
		s.Log.Debug("build client from kubeconfig", "error", err)
		return false
	}
	nodes, err := client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		s.Log.Debug("node list failed", "error", err)
		return false
	}
	return len(nodes.Items) > 0
}

// NodeReady implements Probes: at least one node must carry a NodeReady
// condition with status True.
func (s *ServiceProbes) NodeReady(ctx context.Context) bool {
	client, err := s.getClient()
	if err != nil {
		return false
	}
	nodes, err := client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return false
	}
	for i := range nodes.Items {
		for _, cond := range nodes.Items[i].Status.Conditions {
			if cond.Type == corev1.NodeReady && cond.Status == corev1.ConditionTrue {
				return true
			}
		}
	}
	return false
}

// Client returns the cached clientset, building it if needed. Exposed so
// the DNS check reuses the same client.
func (s *ServiceProbes) Client() (kubernetes.Interface, error) {
	return s.getClient()
}

func (s *ServiceProbes) getClient() (kubernetes.Interface, error) {
	if s.client != nil {
		return s.client, nil
	}
	build := s.newClient
	if build == nil {
		build = clientFromKubeconfig
	}
	client, err := build(s.KubeconfigPath)
	if err != nil {
		return nil, err
	}
	s.client = client
	return client, nil
}

func (s *ServiceProbes) port() int {
	if s.Port > 0 {
		return s.Port
	}
	return APIPort
}

// SetClientForTesting injects a pre-built clientset.
func (s *ServiceProbes) SetClientForTesting(client kubernetes.Interface) {
	s.client = client
}

// clientFromKubeconfig builds a clientset from the credential file.
func clientFromKubeconfig(path string) (kubernetes.Interface, error) {
	cfg, err := clientcmd.BuildConfigFromFlags("", path)
	if err != nil {
		return nil, fmt.Errorf("load kubeconfig %s: %w", path, err)
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	return client, nil
}
