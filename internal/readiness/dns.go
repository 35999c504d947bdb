package readiness

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"

	"github.com/fenio/setup-kubesolo/internal/logging"
	"github.com/fenio/setup-kubesolo/internal/sentinel"
)

// ErrDNSNotReady is returned when the in-cluster DNS verification exhausts
// its retries. A cluster whose DNS cannot resolve the API service name is
// silently broken for most workloads, so this is a hard error.
const ErrDNSNotReady = sentinel.Error("in-cluster DNS verification failed")

// DNS check bounds. The add-on wait and the probe-pod wait each get a fixed
// retry budget at a fixed interval rather than sharing the main poller's
// deadline.
const (
	dnsPollInterval   = 5 * time.Second
	dnsAddonTimeout   = 60 * time.Second
	dnsProbeTimeout   = 60 * time.Second
	dnsProbeNamespace = "kube-system"
	dnsProbePodName   = "kubesolo-dns-probe"
	dnsAddonPrefix    = "coredns"
	dnsLookupTarget   = "kubernetes.default.svc.cluster.local"
)

// DNSCheck verifies that the cluster's DNS add-on is running and resolves
// in-cluster names, by executing a lookup inside a disposable probe pod.
type DNSCheck struct {
	Client kubernetes.Interface
	Log    *slog.Logger

	// ProbeImage runs the lookup. busybox carries nslookup and is small
	// enough to pull quickly on a fresh runner.
	ProbeImage string

	// PollInterval, AddonTimeout and ProbeTimeout default to the package
	// constants; tests shrink them.
	PollInterval time.Duration
	AddonTimeout time.Duration
	ProbeTimeout time.Duration
}

// NewDNSCheck creates a DNSCheck with the default probe image and bounds.
func NewDNSCheck(client kubernetes.Interface, log *slog.Logger) *DNSCheck {
	if log == nil {
		log = logging.Logger()
	}
	return &DNSCheck{
		Client:       client,
		Log:          log,
		ProbeImage:   "busybox:1.36",
		PollInterval: dnsPollInterval,
		AddonTimeout: dnsAddonTimeout,
		ProbeTimeout: dnsProbeTimeout,
	}
}

// Run waits for the DNS add-on pod to be running and ready, then launches
// the probe pod and waits for its lookup to succeed. The probe pod is
// deleted best-effort regardless of outcome.
func (d *DNSCheck) Run(ctx context.Context) error {
	if err := d.waitForAddon(ctx); err != nil {
		return err
	}

	defer d.deleteProbePod(ctx)

	if err := d.launchProbePod(ctx); err != nil {
		return err
	}
	return d.waitForProbe(ctx)
}

// waitForAddon polls until a coredns pod reports Running with all
// containers ready.
func (d *DNSCheck) waitForAddon(ctx context.Context) error {
	err := wait.PollUntilContextTimeout(ctx, d.PollInterval, d.AddonTimeout, true,
		func(pollCtx context.Context) (bool, error) {
			pods, err := d.Client.CoreV1().Pods(dnsProbeNamespace).List(pollCtx, metav1.ListOptions{})
			if err != nil {
				d.Log.Debug("dns add-on list failed", "error", err)
				return false, nil
			}
			for i := range pods.Items {
				pod := &pods.Items[i]
				if !strings.HasPrefix(pod.Name, dnsAddonPrefix) {
					continue
				}
				if pod.Status.Phase == corev1.PodRunning && podReady(pod) {
					return true, nil
				}
			}
			return false, nil
		})
	if err != nil {
		return fmt.Errorf("dns add-on never became ready: %w", ErrDNSNotReady)
	}
	return nil
}

// launchProbePod creates the disposable lookup pod. A leftover pod from an
// earlier attempt is removed first so creation cannot conflict.
func (d *DNSCheck) launchProbePod(ctx context.Context) error {
	d.deleteProbePod(ctx)

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      dnsProbePodName,
			Namespace: dnsProbeNamespace,
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{{
				Name:    "probe",
				Image:   d.ProbeImage,
				Command: []string{"nslookup", dnsLookupTarget},
			}},
		},
	}

	if _, err := d.Client.CoreV1().Pods(dnsProbeNamespace).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		return fmt.Errorf("create dns probe pod: %w", err)
	}
	return nil
}

// waitForProbe polls the probe pod until its lookup succeeds (phase
// Succeeded) or the retry budget runs out. A pod that fails its lookup
// (phase Failed) is relaunched so a transiently unready DNS server gets
// another chance within the budget.
func (d *DNSCheck) waitForProbe(ctx context.Context) error {
	err := wait.PollUntilContextTimeout(ctx, d.PollInterval, d.ProbeTimeout, true,
		func(pollCtx context.Context) (bool, error) {
			pod, err := d.Client.CoreV1().Pods(dnsProbeNamespace).Get(pollCtx, dnsProbePodName, metav1.GetOptions{})
			if err != nil {
				d.Log.Debug("dns probe pod get failed", "error", err)
				return false, nil
			}
			switch pod.Status.Phase {
			case corev1.PodSucceeded:
				return true, nil
			case corev1.PodFailed:
				d.Log.Debug("dns probe lookup failed, relaunching")
				if err := d.launchProbePod(pollCtx); err != nil {
					d.Log.Debug("relaunch dns probe pod", "error", err)
				}
				return false, nil
			default:
				return false, nil
			}
		})
	if err != nil {
		return fmt.Errorf("lookup of %s never succeeded: %w", dnsLookupTarget, ErrDNSNotReady)
	}

	d.Log.Info("in-cluster DNS verified", "target", dnsLookupTarget)
	return nil
}

// deleteProbePod removes the probe pod, ignoring not-found. Failures are
// warnings: a leftover probe pod is cosmetic.
func (d *DNSCheck) deleteProbePod(ctx context.Context) {
	err := d.Client.CoreV1().Pods(dnsProbeNamespace).Delete(ctx, dnsProbePodName, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		d.Log.Warn("delete dns probe pod", "error", err)
	}
}

// podReady reports whether the pod's Ready condition is true.
func podReady(pod *corev1.Pod) bool {
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
			return true
		}
	}
	return false
}
