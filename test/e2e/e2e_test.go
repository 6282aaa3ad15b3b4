package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/kube-freezer/kube-freezer/internal/config"
	"github.com/kube-freezer/kube-freezer/internal/history"
	"github.com/kube-freezer/kube-freezer/internal/notify"
	"github.com/kube-freezer/kube-freezer/test/e2e/framework"
	"github.com/kube-freezer/kube-freezer/test/utils"
)

// namespace where the project is deployed in
const namespace = "kube-freezer-system"

// serviceAccountName created for the project
const serviceAccountName = "kube-freezer-controller-manager"

// metricsServiceName is the name of the metrics service of the project
const metricsServiceName = "kube-freezer-controller-manager-metrics-service"

// metricsRoleBindingName is the name of the RBAC that will be created to allow get the metrics data
const metricsRoleBindingName = "kube-freezer-metrics-binding"

// apiServiceName is the service exposing the REST management API
const apiServiceName = "kube-freezer-api-service"

var _ = Describe("Manager", Ordered, func() {
	var controllerPodName string

	// Before running the tests, set up the environment by creating the namespace,
	// enforce the restricted security policy to the namespace, and deploying the
	// controller with its webhook configuration and policy ConfigMaps.
	BeforeAll(func() {
		By("creating manager namespace")
		cmd := exec.Command("kubectl", "create", "ns", namespace)
		_, err := utils.Run(cmd)
		Expect(err).NotTo(HaveOccurred(), "Failed to create namespace")

		By("labeling the namespace to enforce the restricted security policy")
		cmd = exec.Command("kubectl", "label", "--overwrite", "ns", namespace,
			"pod-security.kubernetes.io/enforce=restricted")
		_, err = utils.Run(cmd)
		Expect(err).NotTo(HaveOccurred(), "Failed to label namespace with restricted policy")

		By("deploying the controller-manager")
		cmd = exec.Command("make", "deploy", fmt.Sprintf("IMG=%s", projectImage))
		_, err = utils.Run(cmd)
		Expect(err).NotTo(HaveOccurred(), "Failed to deploy the controller-manager")
	})

	// After all tests have been executed, clean up by undeploying the controller
	// and deleting the namespace.
	AfterAll(func() {
		By("cleaning up the curl pod for metrics")
		cmd := exec.Command("kubectl", "delete", "pod", "curl-metrics", "-n", namespace, "--ignore-not-found")
		_, _ = utils.Run(cmd)

		By("undeploying the controller-manager")
		cmd = exec.Command("make", "undeploy")
		_, _ = utils.Run(cmd)

		By("removing manager namespace")
		cmd = exec.Command("kubectl", "delete", "ns", namespace)
		_, _ = utils.Run(cmd)
	})

	// After each test, check for failures and collect logs, events,
	// and pod descriptions for debugging.
	AfterEach(func() {
		specReport := CurrentSpecReport()
		if specReport.Failed() {
			By("Fetching controller manager pod logs")
			cmd := exec.Command("kubectl", "logs", controllerPodName, "-n", namespace)
			controllerLogs, err := utils.Run(cmd)
			if err == nil {
				_, _ = fmt.Fprintf(GinkgoWriter, "Controller logs:\n %s", controllerLogs)
			} else {
				_, _ = fmt.Fprintf(GinkgoWriter, "Failed to get Controller logs: %s", err)
			}

			By("Fetching Kubernetes events")
			cmd = exec.Command("kubectl", "get", "events", "-n", namespace, "--sort-by=.lastTimestamp")
			eventsOutput, err := utils.Run(cmd)
			if err == nil {
				_, _ = fmt.Fprintf(GinkgoWriter, "Kubernetes events:\n%s", eventsOutput)
			} else {
				_, _ = fmt.Fprintf(GinkgoWriter, "Failed to get Kubernetes events: %s", err)
			}

			By("Fetching controller manager pod description")
			cmd = exec.Command("kubectl", "describe", "pod", controllerPodName, "-n", namespace)
			podDescription, err := utils.Run(cmd)
			if err == nil {
				fmt.Println("Pod description:\n", podDescription)
			} else {
				fmt.Println("Failed to describe controller pod")
			}
		}
	})

	SetDefaultEventuallyTimeout(2 * time.Minute)
	SetDefaultEventuallyPollingInterval(time.Second)

	Context("Manager", func() {
		It("should run successfully", func() {
			By("validating that the controller-manager pod is running as expected")
			verifyControllerUp := func(g Gomega) {
				// Get the name of the controller-manager pod
				cmd := exec.Command("kubectl", "get",
					"pods", "-l", "control-plane=controller-manager",
					"-o", "go-template={{ range .items }}"+
						"{{ if not .metadata.deletionTimestamp }}"+
						"{{ .metadata.name }}"+
						"{{ \"\\n\" }}{{ end }}{{ end }}",
					"-n", namespace,
				)

				podOutput, err := utils.Run(cmd)
				g.Expect(err).NotTo(HaveOccurred(), "Failed to retrieve controller-manager pod information")
				podNames := utils.GetNonEmptyLines(podOutput)
				g.Expect(podNames).To(HaveLen(1), "expected 1 controller pod running")
				controllerPodName = podNames[0]
				g.Expect(controllerPodName).To(ContainSubstring("controller-manager"))

				// Validate the pod's status
				cmd = exec.Command("kubectl", "get",
					"pods", controllerPodName, "-o", "jsonpath={.status.phase}",
					"-n", namespace,
				)
				output, err := utils.Run(cmd)
				g.Expect(err).NotTo(HaveOccurred())
				g.Expect(output).To(Equal("Running"), "Incorrect controller-manager pod status")
			}
			Eventually(verifyControllerUp).Should(Succeed())

			By("waiting for the readiness probe to pass the initial policy load")
			cmd := exec.Command("kubectl", "wait", "deployment", "kube-freezer-controller-manager",
				"--for=condition=Available", "-n", namespace, "--timeout=2m")
			_, err := utils.Run(cmd)
			Expect(err).NotTo(HaveOccurred(), "controller never became ready")
		})

		It("should ensure the metrics endpoint is serving metrics", func() {
			By("ensuring ClusterRoleBinding for metrics access exists")
			// Delete if exists (ignore errors)
			cmd := exec.Command("kubectl", "delete", "clusterrolebinding", metricsRoleBindingName, "--ignore-not-found")
			_, _ = utils.Run(cmd)
			// Create new binding
			cmd = exec.Command("kubectl", "create", "clusterrolebinding", metricsRoleBindingName,
				"--clusterrole=kube-freezer-metrics-reader",
				fmt.Sprintf("--serviceaccount=%s:%s", namespace, serviceAccountName),
			)
			_, err := utils.Run(cmd)
			Expect(err).NotTo(HaveOccurred(), "Failed to create ClusterRoleBinding")

			By("validating that the metrics service is available")
			cmd = exec.Command("kubectl", "get", "service", metricsServiceName, "-n", namespace)
			_, err = utils.Run(cmd)
			Expect(err).NotTo(HaveOccurred(), "Metrics service should exist")

			By("getting the service account token")
			token, err := serviceAccountToken()
			Expect(err).NotTo(HaveOccurred())
			Expect(token).NotTo(BeEmpty())

			By("waiting for the metrics endpoint to be ready")
			verifyMetricsEndpointReady := func(g Gomega) {
				cmd := exec.Command("kubectl", "get", "endpoints", metricsServiceName, "-n", namespace)
				output, err := utils.Run(cmd)
				g.Expect(err).NotTo(HaveOccurred())
				g.Expect(output).To(ContainSubstring("8443"), "Metrics endpoint is not ready")
			}
			Eventually(verifyMetricsEndpointReady).Should(Succeed())

			By("verifying that the controller manager is serving the metrics server")
			verifyMetricsServerStarted := func(g Gomega) {
				cmd := exec.Command("kubectl", "logs", controllerPodName, "-n", namespace)
				output, err := utils.Run(cmd)
				g.Expect(err).NotTo(HaveOccurred())
				g.Expect(output).To(ContainSubstring("Serving metrics server"),
					"Metrics server not yet started")
			}
			Eventually(verifyMetricsServerStarted).Should(Succeed())

			By("creating the curl-metrics pod to access the metrics endpoint")
			cmd = exec.Command("kubectl", "run", "curl-metrics", "--restart=Never",
				"--namespace", namespace,
				"--image=curlimages/curl:latest",
				"--overrides",
				fmt.Sprintf(`{
					"spec": {
						"containers": [{
							"name": "curl",
							"image": "curlimages/curl:latest",
							"command": ["/bin/sh", "-c"],
							"args": ["curl -v -k -H 'Authorization: Bearer %s' https://%s.%s.svc.cluster.local:8443/metrics"],
							"securityContext": {
								"allowPrivilegeEscalation": false,
								"capabilities": {
									"drop": ["ALL"]
								},
								"runAsNonRoot": true,
								"runAsUser": 1000,
								"seccompProfile": {
									"type": "RuntimeDefault"
								}
							}
						}],
						"serviceAccount": "%s"
					}
				}`, token, metricsServiceName, namespace, serviceAccountName))
			_, err = utils.Run(cmd)
			Expect(err).NotTo(HaveOccurred(), "Failed to create curl-metrics pod")

			By("waiting for the curl-metrics pod to complete.")
			verifyCurlUp := func(g Gomega) {
				cmd := exec.Command("kubectl", "get", "pods", "curl-metrics",
					"-o", "jsonpath={.status.phase}",
					"-n", namespace)
				output, err := utils.Run(cmd)
				g.Expect(err).NotTo(HaveOccurred())
				g.Expect(output).To(Equal("Succeeded"), "curl pod in wrong status")
			}
			Eventually(verifyCurlUp, 5*time.Minute).Should(Succeed())

			By("getting the metrics by checking curl-metrics logs")
			metricsOutput := getMetricsOutput()
			Expect(metricsOutput).To(ContainSubstring(
				"controller_runtime_reconcile_total",
			))
			// The freeze monitor publishes the gauge on startup, frozen or not.
			Expect(metricsOutput).To(ContainSubstring(
				"kubefreezer_freeze_active",
			))
		})

		// +kubebuilder:scaffold:e2e-webhooks-checks
	})

	// ============================================================================
	// Freeze Gate Tests
	// ============================================================================
	Context("Freeze Gate", func() {
		const testNS = framework.TestNamespace
		const deployName = "web"

		scaleWeb := func(replicas int) func() error {
			return func() error {
				return framework.ScaleDeployment(deployName, testNS, replicas)
			}
		}

		BeforeAll(func() {
			By("creating test namespace")
			_ = framework.CreateNamespace(testNS) // Ignore error if exists

			By("creating a target deployment while no freeze is active")
			Expect(framework.CreateDeployment(deployName, testNS)).To(Succeed())
		})

		AfterAll(func() {
			By("resetting the freeze policy")
			_ = framework.DisableFreeze()
			_ = framework.ClearSchedules()

			By("cleaning up test namespace")
			Expect(framework.DeleteNamespace(testNS)).To(Succeed())
		})

		It("should deny deployment updates while a manual freeze is active", func() {
			By("enabling a manual freeze")
			Expect(framework.EnableFreeze("deployment freeze for database maintenance")).To(Succeed())

			By("verifying that scaling the deployment is denied with the freeze message")
			framework.WaitForDenial(scaleWeb(2), "deployment freeze for database maintenance", framework.DefaultTimeout)

			By("disabling the freeze")
			Expect(framework.DisableFreeze()).To(Succeed())

			By("verifying that the same update now goes through")
			framework.WaitForAllowed(scaleWeb(2), framework.DefaultTimeout)

			By("scaling back down")
			framework.WaitForAllowed(scaleWeb(1), framework.DefaultTimeout)
		})

		It("should allow updates that carry the bypass annotation", func() {
			By("enabling a manual freeze")
			Expect(framework.EnableFreeze("freeze for the bypass annotation test")).To(Succeed())

			By("verifying the freeze is enforced")
			framework.WaitForDenial(scaleWeb(2), "freeze for the bypass annotation test", framework.DefaultTimeout)

			By("adding the emergency bypass annotation")
			// The annotate update itself carries the annotation, so the gate
			// lets it through even though the freeze is active.
			framework.WaitForAllowed(func() error {
				return framework.AnnotateDeployment(deployName, testNS,
					"admission-controller.io/emergency-bypass", "true")
			}, framework.DefaultTimeout)

			By("verifying annotated updates pass during the freeze")
			framework.WaitForAllowed(scaleWeb(2), framework.DefaultTimeout)

			By("lifting the freeze and removing the annotation")
			Expect(framework.DisableFreeze()).To(Succeed())
			framework.WaitForAllowed(func() error {
				return framework.RemoveDeploymentAnnotation(deployName, testNS,
					"admission-controller.io/emergency-bypass")
			}, framework.DefaultTimeout)
			framework.WaitForAllowed(scaleWeb(1), framework.DefaultTimeout)
		})

		It("should exempt namespaces listed in the policy", func() {
			const canaryNS = "kube-freezer-e2e-canary"

			By("creating a canary namespace that stays frozen")
			_ = framework.CreateNamespace(canaryNS)
			Expect(framework.CreateDeployment("canary", canaryNS)).To(Succeed())

			By("exempting the test namespace")
			Expect(framework.SetPolicyData(map[string]string{
				"bypass_exempt_namespaces": "kube-system\n" + testNS,
			})).To(Succeed())

			By("enabling a manual freeze")
			Expect(framework.EnableFreeze("freeze for the namespace exemption test")).To(Succeed())

			By("verifying the canary namespace is frozen")
			framework.WaitForDenial(func() error {
				return framework.ScaleDeployment("canary", canaryNS, 2)
			}, "freeze for the namespace exemption test", framework.DefaultTimeout)

			By("verifying the exempt namespace is not")
			Expect(framework.ScaleDeployment(deployName, testNS, 2)).To(Succeed())

			By("restoring the policy and cleaning up the canary namespace")
			Expect(framework.SetPolicyData(map[string]string{
				"bypass_exempt_namespaces": "kube-system",
			})).To(Succeed())
			Expect(framework.DisableFreeze()).To(Succeed())
			Expect(framework.DeleteNamespace(canaryNS)).To(Succeed())
			framework.WaitForAllowed(scaleWeb(1), framework.DefaultTimeout)
		})

		It("should ignore a freeze whose expiry has passed", func() {
			By("enabling a manual freeze and confirming it is enforced")
			Expect(framework.EnableFreeze("freeze that is about to expire")).To(Succeed())
			framework.WaitForDenial(scaleWeb(2), "freeze that is about to expire", framework.DefaultTimeout)

			By("backdating the freeze expiry")
			Expect(framework.SetPolicyData(map[string]string{
				"freeze_until": time.Now().Add(-time.Hour).UTC().Format(time.RFC3339),
			})).To(Succeed())

			By("verifying updates pass once the expiry has lapsed")
			framework.WaitForAllowed(scaleWeb(2), framework.DefaultTimeout)

			By("cleaning up")
			Expect(framework.DisableFreeze()).To(Succeed())
			framework.WaitForAllowed(scaleWeb(1), framework.DefaultTimeout)
		})

		It("should deny during a scheduled absolute window", func() {
			By("installing a window that spans the present moment")
			start := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
			end := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
			schedulesJSON := fmt.Sprintf(
				`[{"name": "e2e-window", "start": "%s", "end": "%s", "message": "scheduled maintenance window"}]`,
				start, end)
			Expect(framework.SetSchedules(schedulesJSON)).To(Succeed())

			By("verifying updates are denied with the window message")
			framework.WaitForDenial(scaleWeb(2), "scheduled maintenance window", framework.DefaultTimeout)

			By("removing the schedule")
			Expect(framework.ClearSchedules()).To(Succeed())

			By("verifying updates pass again")
			framework.WaitForAllowed(scaleWeb(1), framework.DefaultTimeout)
		})
	})

	// ============================================================================
	// Management API Tests
	// ============================================================================
	Context("Management API", func() {
		const apiTestNS = "kube-freezer-e2e-api"
		const deployName = "api-target"

		BeforeAll(func() {
			By("creating API test namespace with a target deployment")
			_ = framework.CreateNamespace(apiTestNS)
			Expect(framework.CreateDeployment(deployName, apiTestNS)).To(Succeed())
		})

		AfterAll(func() {
			By("cleaning up API test namespace")
			_ = framework.DisableFreeze()
			Expect(framework.DeleteNamespace(apiTestNS)).To(Succeed())
		})

		It("should report freeze status over the REST API", func() {
			token, err := serviceAccountToken()
			Expect(err).NotTo(HaveOccurred())

			output := curlAPI("curl-api-status", token, "GET", "/api/v1/freeze/status", "")
			Expect(output).To(ContainSubstring(`"frozen"`))
		})

		It("should enable and disable a freeze through the REST API", func() {
			token, err := serviceAccountToken()
			Expect(err).NotTo(HaveOccurred())

			By("enabling a freeze through the API")
			output := curlAPI("curl-api-enable", token, "POST", "/api/v1/freeze/enable",
				`{"message": "api-driven freeze"}`)
			Expect(output).To(ContainSubstring(`"frozen":true`))

			By("verifying the admission gate enforces it")
			framework.WaitForDenial(func() error {
				return framework.ScaleDeployment(deployName, apiTestNS, 2)
			}, "api-driven freeze", framework.DefaultTimeout)

			By("disabling the freeze through the API")
			output = curlAPI("curl-api-disable", token, "POST", "/api/v1/freeze/disable", "")
			Expect(output).To(ContainSubstring(`"frozen":false`))

			By("verifying updates pass again")
			framework.WaitForAllowed(func() error {
				return framework.ScaleDeployment(deployName, apiTestNS, 1)
			}, framework.DefaultTimeout)
		})
	})
})

// Notification delivery runs against a local receiver; it validates the
// payload contract the in-cluster dispatcher uses without needing a route
// from the cluster back to the test host.
var _ = Describe("Notification delivery", func() {
	It("posts denial events to a webhook receiver", func() {
		receiver := framework.NewMockNotificationReceiver(18099)
		Expect(receiver.Start()).To(Succeed())
		DeferCleanup(func() { _ = receiver.Stop() })

		channels, err := notify.BuildChannels(nil, "default", []config.ChannelConfig{{
			Name: "e2e-receiver",
			Type: "webhook",
			URL:  receiver.GetURL(),
		}})
		Expect(err).NotTo(HaveOccurred())
		Expect(channels).To(HaveLen(1))

		n, ok := notify.FromEvent(history.Event{
			ID:           "e2e-1",
			Type:         history.RequestDenied,
			Timestamp:    time.Now().UTC(),
			Reason:       "Deployment freeze is active",
			TriggeredBy:  "jane@example.com",
			Namespace:    "prod",
			ResourceName: "web",
		})
		Expect(ok).To(BeTrue())
		Expect(channels[0].Send(context.Background(), n)).To(Succeed())

		Expect(receiver.WaitForNotification(5 * time.Second)).To(BeTrue())
		got := receiver.GetNotifications()[0]
		Expect(got.Type).To(Equal("REQUEST_DENIED"))
		Expect(got.Severity).To(Equal("info"))
		Expect(got.Namespace).To(Equal("prod"))
		Expect(got.ResourceName).To(Equal("web"))
	})
})

// serviceAccountToken returns a token for the specified service account in the given namespace.
// It uses the Kubernetes TokenRequest API to generate a token by directly sending a request
// and parsing the resulting token from the API response.
func serviceAccountToken() (string, error) {
	const tokenRequestRawString = `{
		"apiVersion": "authentication.k8s.io/v1",
		"kind": "TokenRequest"
	}`

	// Temporary file to store the token request
	secretName := fmt.Sprintf("%s-token-request", serviceAccountName)
	tokenRequestFile := filepath.Join("/tmp", secretName)
	err := os.WriteFile(tokenRequestFile, []byte(tokenRequestRawString), os.FileMode(0o644))
	if err != nil {
		return "", err
	}

	var out string
	verifyTokenCreation := func(g Gomega) {
		// Execute kubectl command to create the token
		cmd := exec.Command("kubectl", "create", "--raw", fmt.Sprintf(
			"/api/v1/namespaces/%s/serviceaccounts/%s/token",
			namespace,
			serviceAccountName,
		), "-f", tokenRequestFile)

		output, err := cmd.CombinedOutput()
		g.Expect(err).NotTo(HaveOccurred())

		// Parse the JSON output to extract the token
		var token tokenRequest
		err = json.Unmarshal(output, &token)
		g.Expect(err).NotTo(HaveOccurred())

		out = token.Status.Token
	}
	Eventually(verifyTokenCreation).Should(Succeed())

	return out, err
}

// getMetricsOutput retrieves and returns the logs from the curl pod used to access the metrics endpoint.
func getMetricsOutput() string {
	By("getting the curl-metrics logs")
	cmd := exec.Command("kubectl", "logs", "curl-metrics", "-n", namespace)
	metricsOutput, err := utils.Run(cmd)
	Expect(err).NotTo(HaveOccurred(), "Failed to retrieve logs from curl pod")
	Expect(metricsOutput).To(ContainSubstring("< HTTP/1.1 200 OK"))
	return metricsOutput
}

// curlAPI runs a one-shot curl pod against the REST API service and returns
// the response body. The pod runs in the manager namespace, which enforces
// the restricted pod security policy, hence the securityContext override.
func curlAPI(podName, token, method, path, body string) string {
	curlArgs := fmt.Sprintf("curl -s -X %s -H 'Authorization: Bearer %s' -H 'Content-Type: application/json'", method, token)
	if body != "" {
		curlArgs += fmt.Sprintf(" -d '%s'", body)
	}
	curlArgs += fmt.Sprintf(" http://%s.%s.svc.cluster.local:8080%s", apiServiceName, namespace, path)

	cmd := exec.Command("kubectl", "run", podName, "--restart=Never",
		"--namespace", namespace,
		"--image=curlimages/curl:latest",
		"--overrides",
		fmt.Sprintf(`{
			"spec": {
				"containers": [{
					"name": "curl",
					"image": "curlimages/curl:latest",
					"command": ["/bin/sh", "-c"],
					"args": [%q],
					"securityContext": {
						"allowPrivilegeEscalation": false,
						"capabilities": {
							"drop": ["ALL"]
						},
						"runAsNonRoot": true,
						"runAsUser": 1000,
						"seccompProfile": {
							"type": "RuntimeDefault"
						}
					}
				}],
				"serviceAccount": "%s"
			}
		}`, curlArgs, serviceAccountName))
	_, err := utils.Run(cmd)
	Expect(err).NotTo(HaveOccurred(), "Failed to create API curl pod")

	defer func() {
		cmd := exec.Command("kubectl", "delete", "pod", podName, "-n", namespace, "--ignore-not-found")
		_, _ = utils.Run(cmd)
	}()

	Eventually(func(g Gomega) {
		cmd := exec.Command("kubectl", "get", "pods", podName,
			"-o", "jsonpath={.status.phase}", "-n", namespace)
		output, err := utils.Run(cmd)
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(output).To(Equal("Succeeded"), "API curl pod in wrong status")
	}, 2*time.Minute).Should(Succeed())

	cmd = exec.Command("kubectl", "logs", podName, "-n", namespace)
	output, err := utils.Run(cmd)
	Expect(err).NotTo(HaveOccurred(), "Failed to retrieve logs from API curl pod")
	return output
}

// tokenRequest is a simplified representation of the Kubernetes TokenRequest API response,
// containing only the token field that we need to extract.
type tokenRequest struct {
	Status struct {
		Token string `json:"token"`
	} `json:"status"`
}
