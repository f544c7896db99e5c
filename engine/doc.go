// Package engine wires all Courier subsystems together and provides the
// application-level API for bulk download jobs.
//
// # Building an Engine
//
//	c, err := courier.New(
//	    courier.WithStore(redisStore),
//	    courier.WithConcurrency(20),
//	)
//
//	eng, err := engine.Build(c,
//	    engine.WithTransport(redisTransport),
//	    engine.WithArtifactStore(s3Store),
//	    engine.WithExtension(audithook.New(audithook.NewSlogRecorder(logger))),
//	)
//
// # Jobs
//
//	j, created, err := eng.CreateJob(ctx, engine.CreateRequest{
//	    FileIDs:        []int64{70000, 70001, 70002},
//	    IdempotencyKey: key,
//	})
//
//	snap, err := eng.GetStatus(ctx, j.ID)
//	sub, err := eng.Subscribe(ctx, j.ID, 0)
//	url, err := eng.DownloadURL(ctx, j.ID, 70000)
//	_, err = eng.Cancel(ctx, j.ID)
//
// # Options
//
//   - [WithExtension]: register a lifecycle extension
//   - [WithMiddleware]: add a middleware to the attempt chain
//   - [WithBackoff]: set the retry backoff strategy
//   - [WithTransport], [WithArtifactStore], [WithProcessor]: plug backends
//   - [WithTracerProvider], [WithMeterProvider]: set OpenTelemetry providers
package engine
