// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKafkaPublisher_RequiresBrokers(t *testing.T) {
	t.Parallel()

	_, err := NewKafkaPublisher(KafkaConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one Kafka broker is required")
}

func TestKafkaPublisher_Publish(t *testing.T) {
	t.Parallel()

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "uploads" {
			return errors.New("wrong topic " + msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "k1" {
			return errors.New("message not keyed by upload id")
		}
		raw, _ := msg.Value.Encode()
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return err
		}
		if ev.Type != EventUploadCompleted {
			return errors.New("wrong event type " + string(ev.Type))
		}
		return nil
	})

	pub := &KafkaPublisher{producer: producer, topic: "uploads"}
	assert.Equal(t, "kafka", pub.Name())
	require.NoError(t, pub.Publish(context.Background(), NewEvent(EventUploadCompleted, session("k1", "k1.jpg"))))
	require.NoError(t, pub.Close())
}

func TestKafkaPublisher_PublishError(t *testing.T) {
	t.Parallel()

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(errors.New("broker unavailable"))

	pub := &KafkaPublisher{producer: producer, topic: "uploads"}
	err := pub.Publish(context.Background(), NewEvent(EventUploadCreated, session("k1", "k1")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kafka publish")
	assert.Contains(t, err.Error(), "broker unavailable")
	require.NoError(t, pub.Close())
}

func TestKafkaPublisher_CloseWithoutProducer(t *testing.T) {
	t.Parallel()

	assert.NoError(t, (&KafkaPublisher{}).Close())
}

func TestSaramaConfig(t *testing.T) {
	t.Parallel()

	t.Run("compression", func(t *testing.T) {
		t.Parallel()
		tests := map[string]sarama.CompressionCodec{
			"gzip":    sarama.CompressionGZIP,
			"snappy":  sarama.CompressionSnappy,
			"lz4":     sarama.CompressionLZ4,
			"zstd":    sarama.CompressionZSTD,
			"none":    sarama.CompressionNone,
			"":        sarama.CompressionNone,
			"unknown": sarama.CompressionSnappy,
		}
		for in, want := range tests {
			assert.Equal(t, want, saramaConfig(KafkaConfig{Compression: in}).Producer.Compression, in)
		}
	})

	t.Run("required acks", func(t *testing.T) {
		t.Parallel()
		tests := map[int]sarama.RequiredAcks{
			0:  sarama.NoResponse,
			1:  sarama.WaitForLocal,
			-1: sarama.WaitForAll,
			99: sarama.WaitForLocal,
		}
		for in, want := range tests {
			assert.Equal(t, want, saramaConfig(KafkaConfig{RequiredAcks: in}).Producer.RequiredAcks)
		}
	})

	t.Run("batching and timeouts", func(t *testing.T) {
		t.Parallel()
		c := saramaConfig(KafkaConfig{BatchSize: 7, BatchTimeout: 2 * time.Second, WriteTimeout: 3 * time.Second})
		assert.Equal(t, 7, c.Producer.Flush.MaxMessages)
		assert.Equal(t, 2*time.Second, c.Producer.Flush.Frequency)
		assert.Equal(t, 3*time.Second, c.Net.WriteTimeout)
		assert.True(t, c.Producer.Return.Successes)
	})

	t.Run("sasl scram", func(t *testing.T) {
		t.Parallel()
		c := saramaConfig(KafkaConfig{SASL: SASLConfig{
			Enabled:   true,
			Mechanism: "SCRAM-SHA-512",
			Username:  "u",
			Password:  "p",
		}})
		assert.True(t, c.Net.SASL.Enable)
		assert.Equal(t, sarama.SASLMechanism(sarama.SASLTypeSCRAMSHA512), c.Net.SASL.Mechanism)
		require.NotNil(t, c.Net.SASL.SCRAMClientGeneratorFunc)
		client := c.Net.SASL.SCRAMClientGeneratorFunc()
		require.NoError(t, client.Begin("u", "p", ""))
		first, err := client.Step("")
		require.NoError(t, err)
		assert.Contains(t, first, "n=u")
		assert.False(t, client.Done())
	})

	t.Run("sasl plain by default", func(t *testing.T) {
		t.Parallel()
		c := saramaConfig(KafkaConfig{SASL: SASLConfig{Enabled: true}})
		assert.Equal(t, sarama.SASLMechanism(sarama.SASLTypePlaintext), c.Net.SASL.Mechanism)
	})
}
