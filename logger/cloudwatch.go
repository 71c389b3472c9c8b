package logger

import (
	"context"
	"os"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// CloudWatch publishing is opt-in: until EnableCloudWatch succeeds, every
// putMetric and publish call is a no-op and metrics exist only as log lines.
var (
	cwMu        sync.Mutex
	cwClient    *cloudwatch.Client
	cwNamespace string
)

// EnableCloudWatch creates the CloudWatch client. An empty region falls
// back to AWS_REGION; an empty namespace falls back to "quotebot". Failure
// to load AWS configuration is logged and leaves publishing disabled.
func EnableCloudWatch(region, namespace string) {
	log := Component("cloudwatch")

	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if namespace == "" {
		namespace = "quotebot"
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		log.WithError(err).Warn("AWS configuration unavailable, metrics stay log-only")
		return
	}

	cwMu.Lock()
	cwClient = cloudwatch.NewFromConfig(cfg)
	cwNamespace = namespace
	cwMu.Unlock()

	log.WithFields(Fields{"region": region, "namespace": namespace}).Info("cloudwatch publishing enabled")
}

// putMetric ships a single component-dimensioned datum. String values in
// extra become additional dimensions.
func putMetric(component, name string, value float64, extra Fields) {
	dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(component)}}
	for k, v := range extra {
		if s, ok := v.(string); ok {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(s)})
		}
	}
	publish(context.Background(), []cwtypes.MetricDatum{{
		MetricName: aws.String(name),
		Dimensions: dims,
		Unit:       cwtypes.StandardUnitCount,
		Value:      aws.Float64(value),
	}})
}

func publish(ctx context.Context, data []cwtypes.MetricDatum) {
	cwMu.Lock()
	client, namespace := cwClient, cwNamespace
	cwMu.Unlock()
	if client == nil || len(data) == 0 {
		return
	}

	_, err := client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(namespace),
		MetricData: data,
	})
	if err != nil {
		Component("cloudwatch").WithError(err).Warn("metric publish failed")
	}
}
