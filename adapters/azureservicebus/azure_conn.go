package azureservicebus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus/admin"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/internal/retry"
)

// defaultRuleName is the catch-all rule created with every subscription.
const defaultRuleName = "$Default"

type Config struct {
	ConnectionString string
	// RetryCount bounds SDK retries and the initial topic provisioning attempts.
	RetryCount int
}

type namespace struct {
	client *azservicebus.Client
	admin  *admin.Client

	mu      sync.Mutex
	senders map[string]*azservicebus.Sender
}

func (n *namespace) Send(ctx context.Context, topic string, msg *azservicebus.Message) error {
	s, err := n.sender(topic)
	if err != nil {
		return err
	}

	return s.SendMessage(ctx, msg, nil)
}

func (n *namespace) sender(topic string) (*azservicebus.Sender, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if s, ok := n.senders[topic]; ok {
		return s, nil
	}

	s, err := n.client.NewSender(topic, nil)
	if err != nil {
		return nil, err
	}

	n.senders[topic] = s

	return s, nil
}

func (n *namespace) EnsureSubscription(ctx context.Context, topic, subscription, rule string) error {
	sub, err := n.admin.GetSubscription(ctx, topic, subscription, nil)
	if err != nil {
		return err
	}

	if sub == nil {
		if _, err := n.admin.CreateSubscription(ctx, topic, subscription, nil); err != nil && !isConflict(err) {
			return err
		}
	}

	if err := n.RemoveRule(ctx, topic, subscription, defaultRuleName); err != nil {
		return err
	}

	existing, err := n.admin.GetRule(ctx, topic, subscription, rule, nil)
	if err != nil {
		return err
	}

	if existing != nil {
		return nil
	}

	_, err = n.admin.CreateRule(ctx, topic, subscription, &admin.CreateRuleOptions{
		Name:   to.Ptr(rule),
		Filter: &admin.CorrelationFilter{Subject: to.Ptr(rule)},
	})
	if err != nil && !isConflict(err) {
		return err
	}

	return nil
}

func (n *namespace) RemoveRule(ctx context.Context, topic, subscription, rule string) error {
	existing, err := n.admin.GetRule(ctx, topic, subscription, rule, nil)
	if err != nil || existing == nil {
		return err
	}

	if _, err := n.admin.DeleteRule(ctx, topic, subscription, rule, nil); err != nil && !isNotFound(err) {
		return err
	}

	return nil
}

func (n *namespace) NewReceiver(topic, subscription string) (Receiver, error) {
	return n.client.NewReceiverForSubscription(topic, subscription, &azservicebus.ReceiverOptions{
		ReceiveMode: azservicebus.ReceiveModePeekLock,
	})
}

func (n *namespace) Close(ctx context.Context) error {
	n.mu.Lock()
	senders := n.senders
	n.senders = map[string]*azservicebus.Sender{}
	n.mu.Unlock()

	var errs []error

	for _, s := range senders {
		errs = append(errs, s.Close(ctx))
	}

	errs = append(errs, n.client.Close(ctx))

	return errors.Join(errs...)
}

func (n *namespace) ensureTopic(ctx context.Context, topic string) error {
	t, err := n.admin.GetTopic(ctx, topic, nil)
	if err != nil {
		return err
	}

	if t != nil {
		return nil
	}

	if _, err := n.admin.CreateTopic(ctx, topic, nil); err != nil && !isConflict(err) {
		return err
	}

	return nil
}

func isConflict(err error) bool { return statusCode(err) == 409 }

func isNotFound(err error) bool { return statusCode(err) == 404 }

func statusCode(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}

	return 0
}

// NewWithConnectionString opens data and management clients for the namespace, provisions
// o.Topic when missing, and returns a Transport owning both clients.
func NewWithConnectionString(ctx context.Context, cfg Config, o Options) (*Transport, error) {
	if cfg.ConnectionString == "" {
		return nil, fmt.Errorf("%w: azure service bus connection string required", berr.ErrConnectFailed)
	}

	retries := int32(max(cfg.RetryCount, 0))

	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, &azservicebus.ClientOptions{
		RetryOptions: azservicebus.RetryOptions{
			MaxRetries:    retries,
			RetryDelay:    time.Second,
			MaxRetryDelay: 30 * time.Second,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: azure service bus client: %w", berr.ErrConnectFailed, err)
	}

	adm, err := admin.NewClientFromConnectionString(cfg.ConnectionString, &admin.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    retries,
				TryTimeout:    30 * time.Second,
				RetryDelay:    time.Second,
				MaxRetryDelay: 30 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	})
	if err != nil {
		_ = client.Close(ctx)
		return nil, fmt.Errorf("%w: azure service bus admin client: %w", berr.ErrConnectFailed, err)
	}

	ns := &namespace{client: client, admin: adm, senders: map[string]*azservicebus.Sender{}}

	err = retry.New().Do(ctx, cfg.RetryCount, func(ctx context.Context) error {
		return ns.ensureTopic(ctx, o.Topic)
	})
	if err != nil {
		_ = client.Close(ctx)
		return nil, fmt.Errorf("%w: azure service bus topic %s: %w", berr.ErrConnectFailed, o.Topic, err)
	}

	return New(ns, o), nil
}
