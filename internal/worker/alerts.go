// internal/worker/alerts.go
package worker

import (
	"context"
	"encoding/json"

	"taskqueue-workers/internal/broker"
	commonaws "taskqueue-workers/internal/common/aws"
	"taskqueue-workers/internal/common/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// Alerter is notified when a task exhausts its retries and is dead-lettered.
type Alerter interface {
	TaskDeadLettered(ctx context.Context, msg *broker.Message, taskErr error)
}

// SNSAlerter publishes dead-letter alerts to an SNS topic.
type SNSAlerter struct {
	client   *commonaws.SNSClient
	topicARN string
	logger   logger.Logger
}

func NewSNSAlerter(client *commonaws.SNSClient, topicARN string, log logger.Logger) *SNSAlerter {
	return &SNSAlerter{
		client:   client,
		topicARN: topicARN,
		logger:   log.WithFields(map[string]interface{}{"component": "sns-alerter"}),
	}
}

type deadLetterAlert struct {
	TaskID  string `json:"taskId"`
	Task    string `json:"task"`
	Queue   string `json:"queue"`
	Retries int    `json:"retries"`
	Error   string `json:"error,omitempty"`
}

func (a *SNSAlerter) TaskDeadLettered(ctx context.Context, msg *broker.Message, taskErr error) {
	alert := deadLetterAlert{
		TaskID:  msg.ID,
		Task:    msg.Task,
		Queue:   msg.Queue,
		Retries: msg.Retries,
	}
	if taskErr != nil {
		alert.Error = taskErr.Error()
	}

	body, err := json.Marshal(alert)
	if err != nil {
		a.logger.WithError(err).Error("failed to encode dead-letter alert", nil)
		return
	}

	_, err = a.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(a.topicARN),
		Subject:  aws.String("Task dead-lettered: " + msg.Task),
		Message:  aws.String(string(body)),
	})
	if err != nil {
		// Alerting is best effort, the message is already dead-lettered.
		a.logger.WithError(err).Error("failed to publish dead-letter alert", map[string]interface{}{
			"taskId": msg.ID,
		})
	}
}
