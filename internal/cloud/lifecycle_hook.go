package cloud

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
)

// AutoScalingAPI is the subset of the autoscaling client used for hook
// acknowledgment.
type AutoScalingAPI interface {
	CompleteLifecycleAction(ctx context.Context, params *autoscaling.CompleteLifecycleActionInput, optFns ...func(*autoscaling.Options)) (*autoscaling.CompleteLifecycleActionOutput, error)
}

type LifecycleHook struct {
	asg AutoScalingAPI
}

func NewLifecycleHook(api AutoScalingAPI) *LifecycleHook { return &LifecycleHook{asg: api} }

// Complete acknowledges a scale-in lifecycle hook so the orchestrator can
// proceed with instance removal. Called once; the orchestrator's own hook
// timeout governs if the call is lost.
func (h *LifecycleHook) Complete(ctx context.Context, hookName, asgName, token string) error {
	_, err := h.asg.CompleteLifecycleAction(ctx, &autoscaling.CompleteLifecycleActionInput{
		LifecycleHookName:     aws.String(hookName),
		AutoScalingGroupName:  aws.String(asgName),
		LifecycleActionToken:  aws.String(token),
		LifecycleActionResult: aws.String("CONTINUE"),
	})
	if err != nil {
		return fmt.Errorf("complete lifecycle action: %w", err)
	}
	return nil
}
