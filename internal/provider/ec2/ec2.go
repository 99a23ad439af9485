package ec2

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"Armada/internal/config"
	"Armada/internal/provider"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/google/uuid"
)

const (
	tagManagedBy  = "armada:managed-by"
	tagInstanceID = "armada:worker-id"
	tagName       = "armada:worker-name"
	tagCreatedAt  = "armada:created-at"
)

// commandTimeout bounds how long a Run Command invocation may take before
// RunCommand gives up on it.
const commandTimeout = 5 * time.Minute

// ec2API is the subset of the EC2 client used by the provider.
type ec2API interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	RequestSpotInstances(ctx context.Context, params *ec2.RequestSpotInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RequestSpotInstancesOutput, error)
	DescribeSpotInstanceRequests(ctx context.Context, params *ec2.DescribeSpotInstanceRequestsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSpotInstanceRequestsOutput, error)
	CreateTags(ctx context.Context, params *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeRegions(ctx context.Context, params *ec2.DescribeRegionsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeRegionsOutput, error)
}

// ssmAPI is the subset of the SSM client used for Run Command delivery.
type ssmAPI interface {
	SendCommand(ctx context.Context, params *ssm.SendCommandInput, optFns ...func(*ssm.Options)) (*ssm.SendCommandOutput, error)
	GetCommandInvocation(ctx context.Context, params *ssm.GetCommandInvocationInput, optFns ...func(*ssm.Options)) (*ssm.GetCommandInvocationOutput, error)
}

type EC2Provider struct {
	client ec2API
	ssm    ssmAPI
	config config.AWSConfig
	logger *slog.Logger
	mu     sync.RWMutex
}

// New creates a new EC2 provider
func New(cfg config.AWSConfig, logger *slog.Logger) (*EC2Provider, error) {
	ctx := context.Background()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &EC2Provider{
		client: ec2.NewFromConfig(awsCfg),
		ssm:    ssm.NewFromConfig(awsCfg),
		config: cfg,
		logger: logger.With("provider", "ec2"),
	}, nil
}

func (p *EC2Provider) Name() string {
	return "ec2"
}

func (p *EC2Provider) Provision(ctx context.Context, spec *provider.ProvisionSpec) (*provider.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	workerID := uuid.New().String()

	p.logger.Info("creating EC2 instance",
		"id", workerID,
		"name", spec.Name,
		"instance_type", p.config.InstanceType,
		"use_spot", p.config.UseSpot,
	)

	tags := p.buildTags(workerID, spec)
	tagSpecs := []types.TagSpecification{
		{
			ResourceType: types.ResourceTypeInstance,
			Tags:         tags,
		},
		{
			ResourceType: types.ResourceTypeVolume,
			Tags:         tags,
		},
	}

	blockDeviceMappings := []types.BlockDeviceMapping{
		{
			DeviceName: aws.String("/dev/sda1"),
			Ebs: &types.EbsBlockDevice{
				VolumeSize:          aws.Int32(p.config.VolumeSize),
				VolumeType:          types.VolumeType(p.config.VolumeType),
				DeleteOnTermination: aws.Bool(true),
			},
		},
	}

	var instanceID string
	var err error

	if p.config.UseSpot {
		instanceID, err = p.createSpotInstance(ctx, tagSpecs, blockDeviceMappings)
	} else {
		instanceID, err = p.createOnDemandInstance(ctx, tagSpecs, blockDeviceMappings)
	}

	if err != nil {
		return nil, &provider.ProvisionError{Provider: "ec2", Op: "provision", Err: err}
	}

	p.logger.Info("EC2 instance created",
		"id", workerID,
		"instance_id", instanceID,
	)

	return &provider.Instance{
		ID:         workerID,
		Name:       spec.Name,
		Provider:   "ec2",
		ProviderID: instanceID,
		CreatedAt:  time.Now(),
		Metadata: map[string]string{
			"instance_id":   instanceID,
			"instance_type": p.config.InstanceType,
			"region":        p.config.Region,
			"spot":          fmt.Sprintf("%t", p.config.UseSpot),
		},
	}, nil
}

func (p *EC2Provider) Destroy(ctx context.Context, inst *provider.Instance) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.logger.Info("terminating EC2 instance",
		"id", inst.ID,
		"instance_id", inst.ProviderID,
	)

	input := &ec2.TerminateInstancesInput{
		InstanceIds: []string{inst.ProviderID},
	}

	if _, err := p.client.TerminateInstances(ctx, input); err != nil {
		return &provider.ProvisionError{Provider: "ec2", Op: "terminate", Err: err}
	}

	p.logger.Info("EC2 instance termination initiated", "id", inst.ID)
	return nil
}

// RunCommand executes the script on the instance through SSM Run Command.
// The script exists only inside the invocation; it is never written to
// instance tags, user data, or any other durable launch configuration.
func (p *EC2Provider) RunCommand(ctx context.Context, inst *provider.Instance, script string) (*provider.CommandResult, error) {
	sent, err := p.ssm.SendCommand(ctx, &ssm.SendCommandInput{
		DocumentName: aws.String("AWS-RunShellScript"),
		InstanceIds:  []string{inst.ProviderID},
		Parameters:   map[string][]string{"commands": {script}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	invocation := &ssm.GetCommandInvocationInput{
		CommandId:  sent.Command.CommandId,
		InstanceId: aws.String(inst.ProviderID),
	}

	waiter := ssm.NewCommandExecutedWaiter(p.ssm)
	if waitErr := waiter.Wait(ctx, invocation, commandTimeout); waitErr != nil {
		// The invocation may have finished with a nonzero exit; surface that
		// as a result rather than an opaque waiter error.
		out, err := p.ssm.GetCommandInvocation(ctx, invocation)
		if err == nil && out.ResponseCode != 0 {
			return &provider.CommandResult{
				ExitCode: int(out.ResponseCode),
				Output:   aws.ToString(out.StandardErrorContent),
			}, nil
		}
		return nil, fmt.Errorf("command did not complete: %w", waitErr)
	}

	out, err := p.ssm.GetCommandInvocation(ctx, invocation)
	if err != nil {
		return nil, fmt.Errorf("failed to read command result: %w", err)
	}

	return &provider.CommandResult{
		ExitCode: int(out.ResponseCode),
		Output:   aws.ToString(out.StandardOutputContent),
	}, nil
}

func (p *EC2Provider) List(ctx context.Context) ([]*provider.Instance, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	input := &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{
				Name:   aws.String("tag:" + tagManagedBy),
				Values: []string{"armada"},
			},
			{
				Name: aws.String("instance-state-name"),
				Values: []string{
					"pending",
					"running",
					"stopping",
					"stopped",
				},
			},
		},
	}

	result, err := p.client.DescribeInstances(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to describe instances: %w", err)
	}

	var instances []*provider.Instance
	for _, reservation := range result.Reservations {
		for _, instance := range reservation.Instances {
			instances = append(instances, p.toInstance(&instance))
		}
	}

	return instances, nil
}

func (p *EC2Provider) HealthCheck(ctx context.Context) error {
	// Simple check: describe regions to verify API access
	_, err := p.client.DescribeRegions(ctx, &ec2.DescribeRegionsInput{})
	if err != nil {
		return fmt.Errorf("EC2 health check failed: %w", err)
	}
	return nil
}

func (p *EC2Provider) Close() error {
	return nil
}

func (p *EC2Provider) createOnDemandInstance(
	ctx context.Context,
	tagSpecs []types.TagSpecification,
	blockDeviceMappings []types.BlockDeviceMapping,
) (string, error) {
	input := &ec2.RunInstancesInput{
		ImageId:             aws.String(p.config.AMI),
		InstanceType:        types.InstanceType(p.config.InstanceType),
		MinCount:            aws.Int32(1),
		MaxCount:            aws.Int32(1),
		SubnetId:            aws.String(p.config.SubnetID),
		SecurityGroupIds:    p.config.SecurityGroupIDs,
		TagSpecifications:   tagSpecs,
		BlockDeviceMappings: blockDeviceMappings,
	}

	if p.config.KeyName != "" {
		input.KeyName = aws.String(p.config.KeyName)
	}

	if p.config.IAMInstanceProfile != "" {
		input.IamInstanceProfile = &types.IamInstanceProfileSpecification{
			Name: aws.String(p.config.IAMInstanceProfile),
		}
	}

	result, err := p.client.RunInstances(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to run on-demand instance: %w", err)
	}

	if len(result.Instances) == 0 {
		return "", fmt.Errorf("no instances created")
	}

	return *result.Instances[0].InstanceId, nil
}

func (p *EC2Provider) createSpotInstance(
	ctx context.Context,
	tagSpecs []types.TagSpecification,
	blockDeviceMappings []types.BlockDeviceMapping,
) (string, error) {
	launchSpec := &types.RequestSpotLaunchSpecification{
		ImageId:             aws.String(p.config.AMI),
		InstanceType:        types.InstanceType(p.config.InstanceType),
		SubnetId:            aws.String(p.config.SubnetID),
		SecurityGroupIds:    p.config.SecurityGroupIDs,
		BlockDeviceMappings: blockDeviceMappings,
	}

	if p.config.KeyName != "" {
		launchSpec.KeyName = aws.String(p.config.KeyName)
	}

	if p.config.IAMInstanceProfile != "" {
		launchSpec.IamInstanceProfile = &types.IamInstanceProfileSpecification{
			Name: aws.String(p.config.IAMInstanceProfile),
		}
	}

	input := &ec2.RequestSpotInstancesInput{
		SpotPrice:           aws.String(p.config.SpotMaxPrice),
		InstanceCount:       aws.Int32(1),
		Type:                types.SpotInstanceTypeOneTime,
		LaunchSpecification: launchSpec,
		TagSpecifications:   tagSpecs,
	}

	result, err := p.client.RequestSpotInstances(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to request spot instance: %w", err)
	}

	if len(result.SpotInstanceRequests) == 0 {
		return "", fmt.Errorf("no spot requests created")
	}

	requestID := *result.SpotInstanceRequests[0].SpotInstanceRequestId

	// Wait for spot request to be fulfilled
	waiter := ec2.NewSpotInstanceRequestFulfilledWaiter(p.client)
	waitInput := &ec2.DescribeSpotInstanceRequestsInput{
		SpotInstanceRequestIds: []string{requestID},
	}

	if err := waiter.Wait(ctx, waitInput, 5*time.Minute); err != nil {
		return "", fmt.Errorf("spot request not fulfilled: %w", err)
	}

	// Get instance ID from fulfilled request
	descResult, err := p.client.DescribeSpotInstanceRequests(ctx, waitInput)
	if err != nil {
		return "", fmt.Errorf("failed to describe spot request: %w", err)
	}

	if len(descResult.SpotInstanceRequests) == 0 || descResult.SpotInstanceRequests[0].InstanceId == nil {
		return "", fmt.Errorf("spot request has no instance ID")
	}

	instanceID := *descResult.SpotInstanceRequests[0].InstanceId

	// Tag the instance (spot instances don't inherit tags from request)
	tagInput := &ec2.CreateTagsInput{
		Resources: []string{instanceID},
		Tags:      tagSpecs[0].Tags,
	}
	_, err = p.client.CreateTags(ctx, tagInput)
	if err != nil {
		p.logger.Warn("failed to tag spot instance", "error", err)
	}

	return instanceID, nil
}

func (p *EC2Provider) buildTags(workerID string, spec *provider.ProvisionSpec) []types.Tag {
	tags := []types.Tag{
		{
			Key:   aws.String(tagManagedBy),
			Value: aws.String("armada"),
		},
		{
			Key:   aws.String(tagInstanceID),
			Value: aws.String(workerID),
		},
		{
			Key:   aws.String(tagName),
			Value: aws.String(spec.Name),
		},
		{
			Key:   aws.String(tagCreatedAt),
			Value: aws.String(time.Now().Format(time.RFC3339)),
		},
		{
			Key:   aws.String("Name"),
			Value: aws.String(fmt.Sprintf("armada-worker-%s", workerID[:8])),
		},
	}

	// Add custom tags from config
	for k, v := range p.config.Tags {
		tags = append(tags, types.Tag{
			Key:   aws.String(k),
			Value: aws.String(v),
		})
	}

	for k, v := range spec.Tags {
		tags = append(tags, types.Tag{
			Key:   aws.String("armada:" + k),
			Value: aws.String(v),
		})
	}

	return tags
}

func (p *EC2Provider) toInstance(instance *types.Instance) *provider.Instance {
	workerID := ""
	workerName := ""
	createdAt := time.Now()

	for _, tag := range instance.Tags {
		switch *tag.Key {
		case tagInstanceID:
			workerID = *tag.Value
		case tagName:
			workerName = *tag.Value
		case tagCreatedAt:
			if t, err := time.Parse(time.RFC3339, *tag.Value); err == nil {
				createdAt = t
			}
		}
	}

	metadata := map[string]string{
		"instance_id":   *instance.InstanceId,
		"instance_type": string(instance.InstanceType),
		"state":         string(instance.State.Name),
	}

	if instance.Placement != nil && instance.Placement.AvailabilityZone != nil {
		metadata["az"] = *instance.Placement.AvailabilityZone
	}
	if instance.PrivateIpAddress != nil {
		metadata["private_ip"] = *instance.PrivateIpAddress
	}
	if instance.PublicIpAddress != nil {
		metadata["public_ip"] = *instance.PublicIpAddress
	}

	return &provider.Instance{
		ID:         workerID,
		Name:       workerName,
		Provider:   "ec2",
		ProviderID: *instance.InstanceId,
		CreatedAt:  createdAt,
		Metadata:   metadata,
	}
}
