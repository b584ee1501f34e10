// Package truffle mines a team chat workspace for evidence of members'
// technical and business expertise and ranks experts per skill.
//
// The root package holds the domain core: the skill taxonomy and alias
// matcher, the in-memory message task queue and worker pool, the
// per-message processing pipeline, the ingestion scheduler, and the
// interfaces the services compose (ChatClient, Classifier, Store).
// Implementations live in subpackages: chat/slack, classifier/openaicompat,
// store/postgres, and store/sqlite.
package truffle
