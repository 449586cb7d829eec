package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cfntypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	smithy "github.com/aws/smithy-go"
)

// cfnAPI is the subset of the CloudFormation client used here.
type cfnAPI interface {
	DescribeStacks(ctx context.Context, in *cloudformation.DescribeStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error)
	CreateChangeSet(ctx context.Context, in *cloudformation.CreateChangeSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateChangeSetOutput, error)
	DescribeChangeSet(ctx context.Context, in *cloudformation.DescribeChangeSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeChangeSetOutput, error)
	ExecuteChangeSet(ctx context.Context, in *cloudformation.ExecuteChangeSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.ExecuteChangeSetOutput, error)
	DeleteStack(ctx context.Context, in *cloudformation.DeleteStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DeleteStackOutput, error)
}

// CloudFormation implements ControlPlane on AWS CloudFormation stacks and
// change sets.
type CloudFormation struct {
	client cfnAPI
	logger *slog.Logger

	// deleteMinDelay is the shortest poll interval of the deletion waiter.
	deleteMinDelay time.Duration
}

// NewCloudFormation wraps an existing client.
func NewCloudFormation(client cfnAPI, logger *slog.Logger) *CloudFormation {
	return &CloudFormation{
		client:         client,
		logger:         logger.With("component", "controlplane"),
		deleteMinDelay: 5 * time.Second,
	}
}

// NewCloudFormationFromConfig creates a client for cfg's region.
func NewCloudFormationFromConfig(cfg aws.Config, logger *slog.Logger) *CloudFormation {
	return NewCloudFormation(cloudformation.NewFromConfig(cfg), logger.With("region", cfg.Region))
}

// Factory returns a ControlPlane per region.
type Factory func(region string) ControlPlane

// NewFactory returns a Factory that derives each region's client from cfg.
func NewFactory(cfg aws.Config, logger *slog.Logger) Factory {
	return func(region string) ControlPlane {
		regional := cfg.Copy()
		regional.Region = region
		return NewCloudFormationFromConfig(regional, logger)
	}
}

// =============================================================================
// Targets
// =============================================================================

func (c *CloudFormation) DescribeTarget(ctx context.Context, targetID string) (*Target, error) {
	out, err := c.client.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{
		StackName: aws.String(targetID),
	})
	if err != nil {
		return nil, mapError(err, "describe stack %s", targetID)
	}
	if len(out.Stacks) == 0 {
		return nil, fmt.Errorf("describe stack %s: %w", targetID, ErrTargetNotFound)
	}

	stack := out.Stacks[0]
	tags := make(map[string]string, len(stack.Tags))
	for _, t := range stack.Tags {
		tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}

	return &Target{
		ID:           aws.ToString(stack.StackId),
		Name:         aws.ToString(stack.StackName),
		Status:       string(stack.StackStatus),
		StatusReason: aws.ToString(stack.StackStatusReason),
		Tags:         tags,
	}, nil
}

func (c *CloudFormation) DeleteTarget(ctx context.Context, targetID string) error {
	_, err := c.client.DeleteStack(ctx, &cloudformation.DeleteStackInput{
		StackName: aws.String(targetID),
	})
	if err != nil {
		return mapError(err, "delete stack %s", targetID)
	}
	c.logger.Info("stack deletion started", "stack", targetID)
	return nil
}

func (c *CloudFormation) WaitForDeletion(ctx context.Context, targetID string, maxWait time.Duration) error {
	waiter := cloudformation.NewStackDeleteCompleteWaiter(c.client, func(o *cloudformation.StackDeleteCompleteWaiterOptions) {
		o.MinDelay = c.deleteMinDelay
		if o.MaxDelay < o.MinDelay {
			o.MaxDelay = o.MinDelay
		}
	})

	err := waiter.Wait(ctx, &cloudformation.DescribeStacksInput{
		StackName: aws.String(targetID),
	}, maxWait)
	if err != nil {
		if waitExpired(ctx, err) {
			return fmt.Errorf("delete stack %s after %s: %w", targetID, maxWait, ErrWaitTimeout)
		}
		return fmt.Errorf("wait for deletion of stack %s: %w", targetID, err)
	}
	return nil
}

// waitExpired reports whether a waiter stopped on its own deadline. The
// deadline surfaces either as the waiter's own error or, when it fires
// during a sleep or a describe call, as context.DeadlineExceeded. With the
// caller's context done, the error belongs to the caller.
func waitExpired(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return strings.Contains(err.Error(), "exceeded max wait time") || errors.Is(err, context.DeadlineExceeded)
}

// =============================================================================
// Changes
// =============================================================================

func (c *CloudFormation) CreateChange(ctx context.Context, req ChangeRequest) (*Change, error) {
	in := &cloudformation.CreateChangeSetInput{
		StackName:     aws.String(req.TargetID),
		ChangeSetName: aws.String(req.ChangeName),
		ChangeSetType: cfntypes.ChangeSetType(req.Kind),
		Tags:          toTags(req.Tags),
	}
	if req.TemplateURL != "" {
		in.TemplateURL = aws.String(req.TemplateURL)
	} else {
		in.TemplateBody = aws.String(req.TemplateBody)
	}
	for _, capability := range req.Capabilities {
		in.Capabilities = append(in.Capabilities, cfntypes.Capability(capability))
	}

	out, err := c.client.CreateChangeSet(ctx, in)
	if err != nil {
		return nil, mapError(err, "create %s change set %s for stack %s", req.Kind, req.ChangeName, req.TargetID)
	}

	c.logger.Debug("change set created", "stack", req.TargetID, "change_set", aws.ToString(out.Id), "type", req.Kind)
	return &Change{
		ID:       aws.ToString(out.Id),
		TargetID: aws.ToString(out.StackId),
	}, nil
}

func (c *CloudFormation) DescribeChange(ctx context.Context, targetID, changeID string) (*Change, error) {
	out, err := c.client.DescribeChangeSet(ctx, &cloudformation.DescribeChangeSetInput{
		StackName:     aws.String(targetID),
		ChangeSetName: aws.String(changeID),
	})
	if err != nil {
		return nil, mapError(err, "describe change set %s", changeID)
	}

	return &Change{
		ID:       aws.ToString(out.ChangeSetId),
		TargetID: aws.ToString(out.StackId),
		Status:   string(out.Status),
		Reason:   aws.ToString(out.StatusReason),
	}, nil
}

func (c *CloudFormation) ExecuteChange(ctx context.Context, targetID, changeID string) error {
	_, err := c.client.ExecuteChangeSet(ctx, &cloudformation.ExecuteChangeSetInput{
		StackName:     aws.String(targetID),
		ChangeSetName: aws.String(changeID),
	})
	if err != nil {
		return mapError(err, "execute change set %s", changeID)
	}
	c.logger.Info("change set executing", "stack", targetID, "change_set", changeID)
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// mapError turns the "does not exist" validation error into
// ErrTargetNotFound and wraps everything else.
func mapError(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if isNotFound(err) {
		return fmt.Errorf("%s: %w: %w", msg, ErrTargetNotFound, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.ErrorCode() == "ValidationError" && strings.Contains(apiErr.ErrorMessage(), "does not exist")
}

// toTags returns tags sorted by key.
func toTags(tags map[string]string) []cfntypes.Tag {
	if len(tags) == 0 {
		return nil
	}
	out := make([]cfntypes.Tag, 0, len(tags))
	for _, k := range slices.Sorted(maps.Keys(tags)) {
		out = append(out, cfntypes.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}
