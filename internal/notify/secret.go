package notify

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/kube-freezer/kube-freezer/internal/config"
)

func valueFromSecret(ctx context.Context, c client.Client, ref config.SecretKeyRef) (string, error) {
	secret := &corev1.Secret{}
	err := c.Get(
		ctx, types.NamespacedName{
			Namespace: ref.Namespace,
			Name:      ref.Name,
		}, secret,
	)
	if err != nil {
		return "", fmt.Errorf("failed to get secret: %w", err)
	}

	value, ok := secret.Data[ref.Key]
	if !ok {
		return "", fmt.Errorf("key %s not found in secret", ref.Key)
	}

	return string(value), nil
}
