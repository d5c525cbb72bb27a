package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/dkeye/teleconsult/internal/core"
	"github.com/dkeye/teleconsult/internal/domain"
)

const (
	consultationsCollection = "consultations"
	doctorsCollection       = "doctors"
)

// consultationDoc is the stored shape. Active mirrors Status so a partial
// unique index can hold the one-active-per-pair rule.
type consultationDoc struct {
	ID              string     `bson:"_id"`
	PatientID       string     `bson:"patientId"`
	DoctorID        string     `bson:"doctorId"`
	Status          string     `bson:"status"`
	Active          bool       `bson:"active"`
	PreferredMode   string     `bson:"preferredMode,omitempty"`
	RequestedAt     time.Time  `bson:"requestedAt"`
	StartedAt       *time.Time `bson:"startedAt,omitempty"`
	EndedAt         *time.Time `bson:"endedAt,omitempty"`
	SignalingRoomID string     `bson:"signalingRoomId,omitempty"`
	PrescriptionID  string     `bson:"prescriptionId,omitempty"`
	Notes           string     `bson:"notes,omitempty"`
	Version         int64      `bson:"version"`
}

func toDoc(c *domain.Consultation) consultationDoc {
	return consultationDoc{
		ID:              string(c.ID),
		PatientID:       string(c.PatientID),
		DoctorID:        string(c.DoctorID),
		Status:          string(c.Status),
		Active:          c.Status.Active(),
		PreferredMode:   string(c.PreferredMode),
		RequestedAt:     c.RequestedAt,
		StartedAt:       c.StartedAt,
		EndedAt:         c.EndedAt,
		SignalingRoomID: string(c.SignalingRoomID),
		PrescriptionID:  c.PrescriptionID,
		Notes:           c.Notes,
		Version:         c.Version,
	}
}

func (d consultationDoc) toDomain() domain.Consultation {
	return domain.Consultation{
		ID:              domain.ConsultationID(d.ID),
		PatientID:       domain.UserID(d.PatientID),
		DoctorID:        domain.UserID(d.DoctorID),
		Status:          domain.Status(d.Status),
		PreferredMode:   domain.Mode(d.PreferredMode),
		RequestedAt:     d.RequestedAt,
		StartedAt:       d.StartedAt,
		EndedAt:         d.EndedAt,
		SignalingRoomID: domain.RoomID(d.SignalingRoomID),
		PrescriptionID:  d.PrescriptionID,
		Notes:           d.Notes,
		Version:         d.Version,
	}
}

type Mongo struct {
	client        *mongo.Client
	consultations *mongo.Collection
	doctors       *mongo.Collection
}

var (
	_ core.ConsultationStore = (*Mongo)(nil)
	_ core.DoctorDirectory   = (*Mongo)(nil)
)

// NewMongo connects, pings and makes sure the indexes exist.
func NewMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	db := client.Database(database)
	m := &Mongo{
		client:        client,
		consultations: db.Collection(consultationsCollection),
		doctors:       db.Collection(doctorsCollection),
	}
	if err := m.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	log.Info().Str("module", "adapters.store").Str("database", database).Msg("mongo store ready")
	return m, nil
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	_, err := m.consultations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "patientId", Value: 1}, {Key: "doctorId", Value: 1}},
			Options: options.Index().
				SetName("one_active_per_pair").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"active": true}),
		},
		{Keys: bson.D{{Key: "patientId", Value: 1}, {Key: "requestedAt", Value: -1}}},
		{Keys: bson.D{{Key: "doctorId", Value: 1}, {Key: "requestedAt", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "requestedAt", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("mongo indexes: %w", err)
	}
	return nil
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func (m *Mongo) Create(ctx context.Context, c *domain.Consultation) error {
	c.Version = 1
	if _, err := m.consultations.InsertOne(ctx, toDoc(c)); err != nil {
		c.Version = 0
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("consultation %s: %w", c.ID, domain.ErrConflict)
		}
		return fmt.Errorf("insert consultation %s: %w", c.ID, err)
	}
	return nil
}

func (m *Mongo) Load(ctx context.Context, id domain.ConsultationID) (*domain.Consultation, error) {
	return m.findOne(ctx, bson.M{"_id": string(id)}, "consultation "+string(id))
}

func (m *Mongo) findOne(ctx context.Context, filter bson.M, what string) (*domain.Consultation, error) {
	var doc consultationDoc
	err := m.consultations.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", what, err)
	}
	c := doc.toDomain()
	return &c, nil
}

// Save replaces the record only if nobody saved it since it was loaded.
func (m *Mongo) Save(ctx context.Context, c *domain.Consultation) error {
	doc := toDoc(c)
	doc.Version = c.Version + 1
	res, err := m.consultations.ReplaceOne(ctx, bson.M{"_id": doc.ID, "version": c.Version}, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("consultation %s: %w", c.ID, domain.ErrConflict)
		}
		return fmt.Errorf("save consultation %s: %w", c.ID, err)
	}
	if res.MatchedCount == 0 {
		n, err := m.consultations.CountDocuments(ctx, bson.M{"_id": doc.ID})
		if err != nil {
			return fmt.Errorf("save consultation %s: %w", c.ID, err)
		}
		if n == 0 {
			return fmt.Errorf("consultation %s: %w", c.ID, domain.ErrNotFound)
		}
		return fmt.Errorf("consultation %s version %d: %w", c.ID, c.Version, domain.ErrStale)
	}
	c.Version = doc.Version
	return nil
}

func (m *Mongo) FindActive(ctx context.Context, patient, doctor domain.UserID) (*domain.Consultation, error) {
	return m.findOne(ctx, bson.M{"patientId": string(patient), "doctorId": string(doctor), "active": true},
		fmt.Sprintf("active consultation %s/%s", patient, doctor))
}

func participant(user domain.UserID) bson.A {
	return bson.A{bson.M{"patientId": string(user)}, bson.M{"doctorId": string(user)}}
}

func (m *Mongo) ListActiveFor(ctx context.Context, user domain.UserID) ([]domain.Consultation, error) {
	return m.find(ctx, bson.M{"$or": participant(user), "active": true})
}

func (m *Mongo) ListByParticipant(ctx context.Context, user domain.UserID) ([]domain.Consultation, error) {
	return m.find(ctx, bson.M{"$or": participant(user)})
}

func (m *Mongo) ListStale(ctx context.Context, status domain.Status, before time.Time) ([]domain.Consultation, error) {
	clock := "startedAt"
	if status == domain.StatusRequested {
		clock = "requestedAt"
	}
	return m.find(ctx, bson.M{"status": string(status), clock: bson.M{"$lt": before}})
}

func (m *Mongo) find(ctx context.Context, filter bson.M) ([]domain.Consultation, error) {
	cur, err := m.consultations.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "requestedAt", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("find consultations: %w", err)
	}
	defer cur.Close(ctx)

	var docs []consultationDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode consultations: %w", err)
	}
	out := make([]domain.Consultation, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toDomain())
	}
	return out, nil
}

func (m *Mongo) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

// SetStatus writes the doctor's effective presence into the doctors
// collection read by search.
func (m *Mongo) SetStatus(ctx context.Context, doctor domain.UserID, status domain.PresenceStatus) error {
	_, err := m.doctors.UpdateOne(ctx,
		bson.M{"_id": string(doctor)},
		bson.M{"$set": bson.M{"status": string(status), "statusUpdatedAt": time.Now().UTC()}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("set doctor %s status: %w", doctor, err)
	}
	return nil
}
