/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package framework

import (
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/onsi/gomega"

	"github.com/kube-freezer/kube-freezer/test/utils"
)

const (
	// DefaultTimeout is the default timeout for waiting operations
	DefaultTimeout = 2 * time.Minute
	// DefaultInterval is the default polling interval
	DefaultInterval = time.Second
	// TestNamespace is the namespace for E2E tests
	TestNamespace = "kube-freezer-e2e"
	// OperatorNamespace is where the controller and its ConfigMaps live
	OperatorNamespace = "kube-freezer-system"
	// PolicyConfigMap holds the freeze settings
	PolicyConfigMap = "kube-freezer-config"
	// SchedulesConfigMap holds the freeze schedules
	SchedulesConfigMap = "kube-freezer-schedules"
)

// CreateNamespace creates a test namespace
func CreateNamespace(name string) error {
	cmd := exec.Command("kubectl", "create", "ns", name)
	_, err := utils.Run(cmd)
	return err
}

// DeleteNamespace deletes a namespace
func DeleteNamespace(name string) error {
	cmd := exec.Command("kubectl", "delete", "ns", name, "--ignore-not-found")
	_, err := utils.Run(cmd)
	return err
}

// ApplyManifest pipes a YAML manifest into kubectl apply
func ApplyManifest(yaml string) error {
	cmd := exec.Command("sh", "-c", fmt.Sprintf("echo '%s' | kubectl apply -f -", yaml))
	_, err := utils.Run(cmd)
	return err
}

// CreateDeployment creates a minimal Deployment that the freeze gate watches
func CreateDeployment(name, namespace string) error {
	yaml := fmt.Sprintf(`
apiVersion: apps/v1
kind: Deployment
metadata:
  name: %s
  namespace: %s
  labels:
    app: %s
spec:
  replicas: 1
  selector:
    matchLabels:
      app: %s
  template:
    metadata:
      labels:
        app: %s
    spec:
      containers:
      - name: main
        image: busybox:latest
        command: ["/bin/sh", "-c", "sleep 3600"]
`, name, namespace, name, name, name)
	return ApplyManifest(yaml)
}

// ScaleDeployment changes the replica count; during an active freeze the
// admission gate rejects this update.
func ScaleDeployment(name, namespace string, replicas int) error {
	cmd := exec.Command("kubectl", "scale", "deployment", name,
		"-n", namespace, fmt.Sprintf("--replicas=%d", replicas))
	_, err := utils.Run(cmd)
	return err
}

// AnnotateDeployment sets an annotation on the deployment object. The
// annotate call itself is an update, so it exercises the gate too.
func AnnotateDeployment(name, namespace, key, value string) error {
	cmd := exec.Command("kubectl", "annotate", "--overwrite", "deployment", name,
		"-n", namespace, fmt.Sprintf("%s=%s", key, value))
	_, err := utils.Run(cmd)
	return err
}

// RemoveDeploymentAnnotation removes an annotation from the deployment.
func RemoveDeploymentAnnotation(name, namespace, key string) error {
	cmd := exec.Command("kubectl", "annotate", "deployment", name,
		"-n", namespace, key+"-")
	_, err := utils.Run(cmd)
	return err
}

// SetPolicyData patches keys into the freeze settings ConfigMap. The
// controller watches the ConfigMap, so changes propagate without restarts.
func SetPolicyData(data map[string]string) error {
	var b strings.Builder
	b.WriteString("{\"data\":{")
	first := true
	for k, v := range data {
		if !first {
			b.WriteString(",")
		}
		first = false
		fmt.Fprintf(&b, "%q:%q", k, v)
	}
	b.WriteString("}}")

	cmd := exec.Command("kubectl", "patch", "configmap", PolicyConfigMap,
		"-n", OperatorNamespace, "--type=merge", "-p", b.String())
	_, err := utils.Run(cmd)
	return err
}

// EnableFreeze turns on a manual freeze with the given message.
func EnableFreeze(message string) error {
	return SetPolicyData(map[string]string{
		"freeze_enabled": "true",
		"freeze_message": message,
	})
}

// DisableFreeze turns the manual freeze off.
func DisableFreeze() error {
	return SetPolicyData(map[string]string{
		"freeze_enabled": "false",
		"freeze_until":   "",
	})
}

// SetSchedules replaces the schedules ConfigMap payload.
func SetSchedules(schedulesJSON string) error {
	yaml := fmt.Sprintf(`
apiVersion: v1
kind: ConfigMap
metadata:
  name: %s
  namespace: %s
data:
  schedules: |
    %s
`, SchedulesConfigMap, OperatorNamespace, schedulesJSON)
	return ApplyManifest(yaml)
}

// ClearSchedules removes the schedules ConfigMap.
func ClearSchedules() error {
	cmd := exec.Command("kubectl", "delete", "configmap", SchedulesConfigMap,
		"-n", OperatorNamespace, "--ignore-not-found")
	_, err := utils.Run(cmd)
	return err
}

// WaitForDenial polls an update until the admission gate rejects it with
// the expected message fragment. A freshly patched ConfigMap takes a watch
// round-trip to become active, so the first attempts may still pass.
func WaitForDenial(update func() error, fragment string, timeout time.Duration) {
	gomega.Eventually(func() string {
		err := update()
		if err == nil {
			return ""
		}
		return err.Error()
	}, timeout, DefaultInterval).Should(gomega.ContainSubstring(fragment))
}

// WaitForAllowed polls an update until the admission gate lets it through.
func WaitForAllowed(update func() error, timeout time.Duration) {
	gomega.Eventually(update, timeout, DefaultInterval).Should(gomega.Succeed())
}

// CreateTestSecret creates a secret for testing
func CreateTestSecret(name, namespace string, data map[string]string) error {
	args := []string{"create", "secret", "generic", name, "-n", namespace}
	for k, v := range data {
		args = append(args, fmt.Sprintf("--from-literal=%s=%s", k, v))
	}
	cmd := exec.Command("kubectl", args...)
	_, err := utils.Run(cmd)
	return err
}

// DeleteResource deletes a Kubernetes resource
func DeleteResource(kind, name, namespace string) error {
	args := []string{"delete", kind, name, "--ignore-not-found"}
	if namespace != "" {
		args = append(args, "-n", namespace)
	}
	cmd := exec.Command("kubectl", args...)
	_, err := utils.Run(cmd)
	return err
}

// ResourceExists checks if a resource exists
func ResourceExists(kind, name, namespace string) bool {
	args := []string{"get", kind, name}
	if namespace != "" {
		args = append(args, "-n", namespace)
	}
	cmd := exec.Command("kubectl", args...)
	_, err := utils.Run(cmd)
	return err == nil
}
