// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package exchange

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/TheThingsNetwork/telemetry-gateway/backend/dummy"
	"github.com/TheThingsNetwork/telemetry-gateway/middleware"
	"github.com/TheThingsNetwork/telemetry-gateway/middleware/inject"
	"github.com/TheThingsNetwork/telemetry-gateway/types"
	"github.com/apex/log"
	"github.com/apex/log/handlers/text"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
)

type lineSource struct {
	lines []string
	err   error
}

func (s *lineSource) ReadLine() (string, error) {
	if len(s.lines) == 0 {
		return "", s.err
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	return line, nil
}

// blockingSource blocks until a line is sent or it is closed
type blockingSource struct {
	lines  chan string
	closed chan struct{}
}

func (s *blockingSource) ReadLine() (string, error) {
	select {
	case line := <-s.lines:
		return line, nil
	case <-s.closed:
		return "", errors.New("closed")
	}
}

type rejectPublish struct{}

func (rejectPublish) HandlePublish(_ middleware.Context, msg *types.Message) error {
	if msg.Topic == LightsTopic {
		return errors.New("rejected")
	}
	return nil
}

func TestDecode(t *testing.T) {
	Convey("When decoding a JSON object", t, func(c C) {
		record, err := Decode(`{"temp": 21.5, "time": "2023-10-23 19:27:05"}`)
		So(err, ShouldBeNil)
		Convey("All keys should be there", func() {
			So(record.Len(), ShouldEqual, 2)
			So(record.Has("temp"), ShouldBeTrue)
		})
		Convey("Numbers should be kept as written", func() {
			payload, err := Encode(record)
			So(err, ShouldBeNil)
			So(string(payload), ShouldEqual, `{"temp":21.5,"time":"2023-10-23 19:27:05"}`)
		})
	})

	Convey("When decoding an empty line", t, func(c C) {
		_, err := Decode("  ")
		So(errors.Is(err, ErrEmptyLine), ShouldBeTrue)
	})

	Convey("When decoding text that is not JSON", t, func(c C) {
		_, err := Decode("not json")
		So(errors.Is(err, ErrMalformed), ShouldBeTrue)
	})

	Convey("When decoding an object followed by garbage", t, func(c C) {
		_, err := Decode(`{"temp":1} {"temp":2}`)
		So(errors.Is(err, ErrMalformed), ShouldBeTrue)
	})

	Convey("When decoding JSON that is not an object", t, func(c C) {
		for _, line := range []string{`[1, 2]`, `42`, `"temp"`, `null`} {
			_, err := Decode(line)
			So(errors.Is(err, ErrNotAnObject), ShouldBeTrue)
		}
	})

	Convey("When decoding invalid UTF-8", t, func(c C) {
		_, err := Decode("{\"temp\": \"\xff\"}")
		So(errors.Is(err, ErrInvalidUTF8), ShouldBeTrue)
	})

	Convey("When decoding a JSON object with keys out of order", t, func(c C) {
		record, err := Decode(`{"time": "x", "lights": 1, "name": "é"}`)
		So(err, ShouldBeNil)
		Convey("Encoding should keep the order of the line", func() {
			payload, err := Encode(record)
			So(err, ShouldBeNil)
			So(string(payload), ShouldEqual, `{"time":"x","lights":1,"name":"é"}`)
		})
	})

	Convey("When encoding a record with HTML characters", t, func(c C) {
		record := new(types.Record)
		So(record.Set("note", "a<b&c"), ShouldBeNil)
		payload, err := Encode(record)
		So(err, ShouldBeNil)
		So(string(payload), ShouldEqual, `{"note":"a<b&c"}`)
	})
}

func TestExchange(t *testing.T) {
	Convey("Given a new Context and Backends", t, func(c C) {

		var logs bytes.Buffer
		ctx := &log.Logger{
			Handler: text.New(&logs),
			Level:   log.DebugLevel,
		}
		defer func() {
			if logs.Len() > 0 {
				c.Printf("\n%s", logs.String())
			}
		}()

		broker := dummy.New(ctx.WithField("Direction", "Broker"))

		Convey("When creating a new Exchange", func() {
			b := New(ctx)
			b.AddPublisher(broker)

			Convey("When connecting the Exchange", func() {
				So(b.Connect(), ShouldBeNil)
				Reset(func() { b.Disconnect() })

				Convey("The broker should be marked as connected", func() {
					time.Sleep(10 * time.Millisecond)
					So(testutil.ToFloat64(brokerConnected.WithLabelValues("Dummy")), ShouldEqual, 1)
				})

				Convey("When handling a temperature record", func() {
					messages, err := b.HandleLine(`{"temp": 21.5}`)
					Convey("There should be no error", func() {
						So(err, ShouldBeNil)
					})
					Convey("There should be one message on data/temperature", func() {
						So(messages, ShouldHaveLength, 1)
						published := broker.Messages()
						So(published, ShouldHaveLength, 1)
						So(published[0].Topic, ShouldEqual, "data/temperature")
						So(published[0].QoS, ShouldEqual, byte(1))
					})
					Convey("The payload should carry the location", func() {
						So(string(broker.Messages()[0].Payload), ShouldEqual, `{"temp":21.5,"location":"bedroom"}`)
					})
					Convey("The acknowledgement should be counted", func() {
						before := testutil.ToFloat64(messagesPublished.WithLabelValues("Dummy", TemperatureTopic))
						b.HandleLine(`{"temp": 22}`)
						time.Sleep(10 * time.Millisecond)
						So(testutil.ToFloat64(messagesPublished.WithLabelValues("Dummy", TemperatureTopic)), ShouldEqual, before+1)
					})
				})

				Convey("When handling a lights record with a falsy value", func() {
					_, err := b.HandleLine(`{"lights": 0, "time": "2023-10-23 19:27:05"}`)
					So(err, ShouldBeNil)
					Convey("There should be one message on data/lights", func() {
						published := broker.Messages()
						So(published, ShouldHaveLength, 1)
						So(published[0].Topic, ShouldEqual, "data/lights")
						So(string(published[0].Payload), ShouldEqual, `{"lights":0,"time":"2023-10-23 19:27:05","location":"bedroom"}`)
					})
				})

				Convey("When handling a record with lights and temp", func() {
					_, err := b.HandleLine(`{"lights": true, "temp": 19.0}`)
					So(err, ShouldBeNil)
					Convey("There should be a message on both topics with the same payload", func() {
						published := broker.Messages()
						So(published, ShouldHaveLength, 2)
						So(published[0].Topic, ShouldEqual, "data/lights")
						So(published[1].Topic, ShouldEqual, "data/temperature")
						So(string(published[0].Payload), ShouldEqual, `{"lights":true,"temp":19.0,"location":"bedroom"}`)
						So(string(published[1].Payload), ShouldEqual, string(published[0].Payload))
					})
				})

				Convey("When handling a record with neither key", func() {
					messages, err := b.HandleLine(`{"humidity": 50}`)
					Convey("There should be no error", func() {
						So(err, ShouldBeNil)
					})
					Convey("Nothing should be published", func() {
						So(messages, ShouldBeEmpty)
						So(broker.Messages(), ShouldBeEmpty)
					})
				})

				Convey("When handling an already enriched record", func() {
					_, err := b.HandleLine(`{"location": "bedroom", "temp": 21.5}`)
					So(err, ShouldBeNil)
					Convey("The location should stay in place", func() {
						So(string(broker.Messages()[0].Payload), ShouldEqual, `{"location":"bedroom","temp":21.5}`)
					})
				})

				Convey("When handling the payload of an earlier message", func() {
					first, err := b.HandleLine(`{"temp": 21.5, "time": "2023-10-23 19:27:05"}`)
					So(err, ShouldBeNil)
					second, err := b.HandleLine(string(first[0].Payload))
					So(err, ShouldBeNil)
					Convey("The payload should not change", func() {
						So(string(second[0].Payload), ShouldEqual, string(first[0].Payload))
						So(string(second[0].Payload), ShouldEqual, `{"temp":21.5,"time":"2023-10-23 19:27:05","location":"bedroom"}`)
					})
				})

				Convey("When handling a malformed line", func() {
					messages, err := b.HandleLine("not json")
					Convey("There should be an ErrMalformed", func() {
						So(errors.Is(err, ErrMalformed), ShouldBeTrue)
					})
					Convey("Nothing should be published", func() {
						So(messages, ShouldBeEmpty)
						So(broker.Messages(), ShouldBeEmpty)
					})
				})

				Convey("When a publish middleware rejects a topic", func() {
					b.SetMiddleware(middleware.Chain{inject.NewInject(inject.Fields{}), rejectPublish{}})
					messages, err := b.HandleLine(`{"lights": 1, "temp": 20.13}`)
					So(err, ShouldBeNil)
					Convey("Only the other topic should be published", func() {
						So(messages, ShouldHaveLength, 1)
						So(broker.Messages()[0].Topic, ShouldEqual, "data/temperature")
					})
				})

				Convey("When running on a source", func() {
					droppedBefore := testutil.ToFloat64(linesDropped.WithLabelValues("malformed"))
					source := &lineSource{
						lines: []string{
							"RTC failed",
							`{"lights":1,"time":"2023-10-23 19:27:01"}`,
							"",
							`{"temp":20.13,"time":"2023-10-23 19:27:05"}`,
							`{"humidity":50}`,
						},
						err: io.EOF,
					}
					err := b.Run(context.Background(), source)
					Convey("It should return the source error", func() {
						So(err, ShouldEqual, io.EOF)
					})
					Convey("The malformed and empty lines should be skipped", func() {
						published := broker.Messages()
						So(published, ShouldHaveLength, 2)
						So(published[0].Topic, ShouldEqual, "data/lights")
						So(published[1].Topic, ShouldEqual, "data/temperature")
					})
					Convey("The skipped line should be counted", func() {
						So(testutil.ToFloat64(linesDropped.WithLabelValues("malformed")), ShouldEqual, droppedBefore+1)
					})
					Convey("The skipped line should be logged", func() {
						So(logs.String(), ShouldContainSubstring, "RTC failed")
					})
				})

				Convey("When running on a source that blocks", func() {
					source := &blockingSource{lines: make(chan string), closed: make(chan struct{})}
					runCtx, cancel := context.WithCancel(context.Background())
					done := make(chan error, 1)
					go func() { done <- b.Run(runCtx, source) }()
					source.lines <- `{"temp":21.5}`

					Convey("When the context is cancelled and the source closed", func() {
						cancel()
						close(source.closed)
						Convey("Run should return without error", func() {
							select {
							case <-time.After(time.Second):
								So("Timeout Exceeded", ShouldBeFalse)
							case err := <-done:
								So(err, ShouldBeNil)
							}
						})
						Convey("The line before should have been published", func() {
							<-done
							So(broker.Messages(), ShouldHaveLength, 1)
						})
					})
				})

				Convey("When publishing fails", func() {
					before := testutil.ToFloat64(publishErrors.WithLabelValues("Dummy"))
					broker.SetPublishError(errors.New("broker gone"))
					_, err := b.HandleLine(`{"temp": 21.5}`)
					Convey("The line should still be handled", func() {
						So(err, ShouldBeNil)
					})
					Convey("The failure should be counted", func() {
						time.Sleep(10 * time.Millisecond)
						So(testutil.ToFloat64(publishErrors.WithLabelValues("Dummy")), ShouldEqual, before+1)
					})
				})
			})
		})
	})
}

func decodeRecord(data string) *types.Record {
	record, err := Decode(data)
	if err != nil {
		panic(err)
	}
	return record
}

func TestTopics(t *testing.T) {
	Convey("Given the default routes", t, func(c C) {
		Convey("A record with lights should go to data/lights", func() {
			So(topics(DefaultRoutes, decodeRecord(`{"lights": null}`)), ShouldResemble, []string{"data/lights"})
		})
		Convey("A record with temp should go to data/temperature", func() {
			So(topics(DefaultRoutes, decodeRecord(`{"temp": 1}`)), ShouldResemble, []string{"data/temperature"})
		})
		Convey("A record with both should go to both, lights first", func() {
			So(topics(DefaultRoutes, decodeRecord(`{"temp": 1, "lights": 1}`)), ShouldResemble, []string{"data/lights", "data/temperature"})
		})
		Convey("A record with neither should go nowhere", func() {
			So(topics(DefaultRoutes, decodeRecord(`{"location": "bedroom"}`)), ShouldBeEmpty)
		})
	})
}
