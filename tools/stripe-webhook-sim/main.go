// Command stripe-webhook-sim sends a signed fake Stripe event to a local
// marketplace-service, for exercising the webhook path without real
// Stripe traffic.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79/webhook"
)

func main() {
	var (
		baseURL = flag.String("base-url", getenv("BASE_URL", "http://localhost:8080"), "service base url")
		evtType = flag.String("type", getenv("STRIPE_EVENT_TYPE", "payment_intent.succeeded"), "stripe event type")
		apptID  = flag.String("appointment-id", getenv("APPOINTMENT_ID", ""), "appointment_id metadata (payment intent events)")
		proID   = flag.String("pro-id", getenv("PRO_ID", ""), "pro_id metadata (subscription events)")
		intent  = flag.String("intent-id", getenv("INTENT_ID", "pi_test_123"), "payment intent id")
		subID   = flag.String("subscription-id", getenv("SUBSCRIPTION_ID", "sub_test_123"), "subscription id")
		status  = flag.String("status", getenv("SUBSCRIPTION_STATUS", "active"), "subscription status")
		amount  = flag.Int64("amount", 2000, "payment intent amount in cents")
		secret  = flag.String("secret", getenv("STRIPE_WEBHOOK_SECRET", ""), "stripe webhook signing secret (whsec_...)")
	)
	flag.Parse()

	if strings.TrimSpace(*secret) == "" {
		fatal("STRIPE_WEBHOOK_SECRET is required")
	}

	now := time.Now().UTC()
	eventID := fmt.Sprintf("evt_test_%d", now.UnixNano())

	payload, err := buildEventJSON(eventID, *evtType, now, *apptID, *proID, *intent, *subID, *status, *amount)
	if err != nil {
		fatal(err.Error())
	}

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    *secret,
		Timestamp: now,
		Scheme:    "v1",
	})

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(*baseURL, "/")+"/api/v1/billing/webhooks/stripe", bytes.NewReader(payload))
	if err != nil {
		fatal(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", signed.Header)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()

	fmt.Printf("status=%d\n", resp.StatusCode)
}

func buildEventJSON(eventID, eventType string, t time.Time, apptID, proID, intentID, subID, status string, amount int64) ([]byte, error) {
	created := t.Unix()
	switch eventType {
	case "payment_intent.succeeded", "payment_intent.payment_failed":
		if apptID == "" {
			return nil, fmt.Errorf("APPOINTMENT_ID is required for %s", eventType)
		}
		obj := map[string]any{
			"id":     intentID,
			"object": "payment_intent",
			"amount": amount,
			"metadata": map[string]any{
				"appointment_id": apptID,
				"type":           "deposit",
			},
		}
		if eventType == "payment_intent.succeeded" {
			obj["latest_charge"] = "ch_test_123"
		} else {
			obj["last_payment_error"] = map[string]any{"message": "card declined"}
		}
		return json.Marshal(map[string]any{
			"id":          eventID,
			"object":      "event",
			"created":     created,
			"type":        eventType,
			"api_version": "2020-08-27",
			"data":        map[string]any{"object": obj},
		})
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		if proID == "" {
			return nil, fmt.Errorf("PRO_ID is required for %s", eventType)
		}
		return json.Marshal(map[string]any{
			"id":          eventID,
			"object":      "event",
			"created":     created,
			"type":        eventType,
			"api_version": "2020-08-27",
			"data": map[string]any{
				"object": map[string]any{
					"id":                 subID,
					"object":             "subscription",
					"status":             status,
					"customer":           "cus_test_123",
					"current_period_end": t.Add(30 * 24 * time.Hour).Unix(),
					"metadata": map[string]any{
						"pro_id": proID,
					},
				},
			},
		})
	case "invoice.paid", "invoice.payment_succeeded", "invoice.payment_failed":
		return json.Marshal(map[string]any{
			"id":          eventID,
			"object":      "event",
			"created":     created,
			"type":        eventType,
			"api_version": "2020-08-27",
			"data": map[string]any{
				"object": map[string]any{
					"id":           "in_test_123",
					"object":       "invoice",
					"subscription": subID,
				},
			},
		})
	default:
		return nil, fmt.Errorf("unsupported event type: %s", eventType)
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
