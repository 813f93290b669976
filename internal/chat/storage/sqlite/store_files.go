package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/louisbranch/halyard/internal/chat/storage"
)

func insertFileRow(ctx context.Context, tx *sql.Tx, userID int64, contactID int64, fileName string, fileSize int64, chunkSize int64, filePath string) (int64, error) {
	if fileSize <= 0 || chunkSize <= 0 {
		return 0, storage.ErrSndFileInvalid
	}
	res, err := tx.ExecContext(
		ctx,
		`INSERT INTO files (user_id, contact_id, file_name, file_size, chunk_size, file_path, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		userID,
		contactID,
		fileName,
		fileSize,
		chunkSize,
		filePath,
		toMillis(time.Now()),
	)
	if err != nil {
		return 0, fmt.Errorf("insert file: %w", err)
	}
	return lastInsertID(res, "file")
}

// CreateSndFileTransfer records an outbound transfer to a contact: the
// file row, a dedicated send-file connection, and the per-connection
// transfer state.
func (s *Store) CreateSndFileTransfer(ctx context.Context, userID int64, contact storage.Contact, fileName string, fileSize int64, chunkSize int64, filePath string, agentConnID string) (storage.SndFileTransfer, error) {
	if contact.ID == 0 {
		return storage.SndFileTransfer{}, storage.ErrContactNotFound
	}

	var transfer storage.SndFileTransfer
	err := s.withTx(ctx, "create snd file transfer", func(tx *sql.Tx) error {
		fileID, err := insertFileRow(ctx, tx, userID, contact.ID, fileName, fileSize, chunkSize, filePath)
		if err != nil {
			return err
		}
		conn, err := insertConnection(ctx, tx, userID, agentConnID, storage.ConnSndFile, storage.ConnNew, contact.ID, 0, fileID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO snd_files (file_id, connection_id, file_status) VALUES (?, ?, ?)`,
			fileID,
			conn.ID,
			storage.FileNew,
		); err != nil {
			return fmt.Errorf("insert snd file: %w", err)
		}

		transfer = storage.SndFileTransfer{
			FileID:               fileID,
			ConnID:               conn.ID,
			AgentConnID:          agentConnID,
			FileName:             fileName,
			FileSize:             fileSize,
			ChunkSize:            chunkSize,
			FilePath:             filePath,
			RecipientDisplayName: contact.LocalDisplayName,
			Status:               storage.FileNew,
		}
		return nil
	})
	if err != nil {
		return storage.SndFileTransfer{}, err
	}
	return transfer, nil
}

// GetSndFileTransfer loads one outbound transfer by file and connection.
// A transfer whose connection is not a send-file connection is corrupt
// state, surfaced as ErrSndFileInvalid.
func (s *Store) GetSndFileTransfer(ctx context.Context, userID int64, fileID int64, connID int64) (storage.SndFileTransfer, error) {
	if err := ctx.Err(); err != nil {
		return storage.SndFileTransfer{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.SndFileTransfer{}, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT f.file_name, f.file_size, f.chunk_size, f.file_path, sf.file_status, c.agent_conn_id, c.conn_type, ct.local_display_name
		 FROM snd_files sf
		 JOIN files f ON f.file_id = sf.file_id
		 JOIN connections c ON c.connection_id = sf.connection_id
		 JOIN contacts ct ON ct.contact_id = f.contact_id
		 WHERE f.user_id = ? AND sf.file_id = ? AND sf.connection_id = ?`,
		userID,
		fileID,
		connID,
	)
	transfer := storage.SndFileTransfer{FileID: fileID, ConnID: connID}
	var connType storage.ConnType
	if err := row.Scan(
		&transfer.FileName,
		&transfer.FileSize,
		&transfer.ChunkSize,
		&transfer.FilePath,
		&transfer.Status,
		&transfer.AgentConnID,
		&connType,
		&transfer.RecipientDisplayName,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.SndFileTransfer{}, storage.ErrSndFileNotFound
		}
		return storage.SndFileTransfer{}, fmt.Errorf("get snd file transfer: %w", err)
	}
	if connType != storage.ConnSndFile {
		return storage.SndFileTransfer{}, storage.ErrSndFileInvalid
	}
	return transfer, nil
}

// SndFileNextChunk returns the next chunk number to send, zero once the
// whole file is covered by sent chunks. The returned chunk is reserved as
// pending; calling again before MarkSndChunkSent returns the same number,
// so an interrupted send resumes where it stopped.
func (s *Store) SndFileNextChunk(ctx context.Context, t storage.SndFileTransfer) (int64, error) {
	var next int64
	err := s.withTx(ctx, "next snd file chunk", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(
			ctx,
			`SELECT COALESCE(MAX(chunk_number), 0) FROM snd_file_chunks
			 WHERE file_id = ? AND connection_id = ? AND chunk_sent = 1`,
			t.FileID,
			t.ConnID,
		)
		var sent int64
		if err := row.Scan(&sent); err != nil {
			return fmt.Errorf("read sent chunks: %w", err)
		}
		if sent*t.ChunkSize >= t.FileSize {
			next = 0
			return nil
		}

		next = sent + 1
		if _, err := tx.ExecContext(
			ctx,
			`INSERT OR IGNORE INTO snd_file_chunks (file_id, connection_id, chunk_number) VALUES (?, ?, ?)`,
			t.FileID,
			t.ConnID,
			next,
		); err != nil {
			return fmt.Errorf("reserve chunk: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

// MarkSndChunkSent confirms delivery of a reserved chunk with the agent
// message id that carried it.
func (s *Store) MarkSndChunkSent(ctx context.Context, t storage.SndFileTransfer, chunkNo int64, agentMsgID int64) error {
	return s.withTx(ctx, "mark snd chunk sent", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(
			ctx,
			`UPDATE snd_file_chunks SET chunk_sent = 1, chunk_agent_msg_id = ?
			 WHERE file_id = ? AND connection_id = ? AND chunk_number = ?`,
			agentMsgID,
			t.FileID,
			t.ConnID,
			chunkNo,
		)
		if err != nil {
			return fmt.Errorf("mark chunk sent: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mark chunk sent: %w", err)
		}
		if affected == 0 {
			return storage.ErrSndFileNotFound
		}
		return nil
	})
}

// UpdateSndFileStatus persists a transfer status change.
func (s *Store) UpdateSndFileStatus(ctx context.Context, t storage.SndFileTransfer, status storage.FileStatus) error {
	return s.withTx(ctx, "update snd file status", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(
			ctx,
			`UPDATE snd_files SET file_status = ? WHERE file_id = ? AND connection_id = ?`,
			status,
			t.FileID,
			t.ConnID,
		)
		if err != nil {
			return fmt.Errorf("update snd file status: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update snd file status: %w", err)
		}
		if affected == 0 {
			return storage.ErrSndFileNotFound
		}
		return nil
	})
}

// CreateRcvFileTransfer records an offered inbound transfer. No
// connection exists until the transfer is accepted.
func (s *Store) CreateRcvFileTransfer(ctx context.Context, userID int64, contact storage.Contact, fileName string, fileSize int64, chunkSize int64, queueInfo []byte) (storage.RcvFileTransfer, error) {
	if contact.ID == 0 {
		return storage.RcvFileTransfer{}, storage.ErrContactNotFound
	}
	if fileSize <= 0 || chunkSize <= 0 {
		return storage.RcvFileTransfer{}, storage.ErrRcvFileInvalid
	}

	var transfer storage.RcvFileTransfer
	err := s.withTx(ctx, "create rcv file transfer", func(tx *sql.Tx) error {
		fileID, err := insertFileRow(ctx, tx, userID, contact.ID, fileName, fileSize, chunkSize, "")
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO rcv_files (file_id, file_status, file_queue_info) VALUES (?, ?, ?)`,
			fileID,
			storage.FileNew,
			queueInfo,
		); err != nil {
			return fmt.Errorf("insert rcv file: %w", err)
		}

		transfer = storage.RcvFileTransfer{
			FileID:            fileID,
			FileName:          fileName,
			FileSize:          fileSize,
			ChunkSize:         chunkSize,
			SenderDisplayName: contact.LocalDisplayName,
			Status:            storage.FileNew,
			FileQueueInfo:     queueInfo,
		}
		return nil
	})
	if err != nil {
		return storage.RcvFileTransfer{}, err
	}
	return transfer, nil
}

// GetRcvFileTransfer loads one inbound transfer. Connection fields are
// zero until the transfer was accepted.
func (s *Store) GetRcvFileTransfer(ctx context.Context, userID int64, fileID int64) (storage.RcvFileTransfer, error) {
	if err := ctx.Err(); err != nil {
		return storage.RcvFileTransfer{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.RcvFileTransfer{}, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT f.file_name, f.file_size, f.chunk_size, f.file_path, rf.file_status, rf.file_queue_info, rf.connection_id, c.agent_conn_id, ct.local_display_name
		 FROM rcv_files rf
		 JOIN files f ON f.file_id = rf.file_id
		 LEFT JOIN connections c ON c.connection_id = rf.connection_id
		 JOIN contacts ct ON ct.contact_id = f.contact_id
		 WHERE f.user_id = ? AND rf.file_id = ?`,
		userID,
		fileID,
	)
	transfer := storage.RcvFileTransfer{FileID: fileID}
	var connID sql.NullInt64
	var agentConnID sql.NullString
	if err := row.Scan(
		&transfer.FileName,
		&transfer.FileSize,
		&transfer.ChunkSize,
		&transfer.FilePath,
		&transfer.Status,
		&transfer.FileQueueInfo,
		&connID,
		&agentConnID,
		&transfer.SenderDisplayName,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.RcvFileTransfer{}, storage.ErrRcvFileNotFound
		}
		return storage.RcvFileTransfer{}, fmt.Errorf("get rcv file transfer: %w", err)
	}
	transfer.ConnID = connID.Int64
	transfer.AgentConnID = agentConnID.String
	return transfer, nil
}

// AcceptRcvFileTransfer accepts an offered transfer: a receive-file
// connection is created, the target path is recorded, and the transfer
// moves to accepted. Only a transfer still in its offered state can be
// accepted.
func (s *Store) AcceptRcvFileTransfer(ctx context.Context, userID int64, fileID int64, agentConnID string, filePath string) (storage.RcvFileTransfer, error) {
	var transfer storage.RcvFileTransfer
	err := s.withTx(ctx, "accept rcv file transfer", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(
			ctx,
			`SELECT rf.file_status FROM rcv_files rf
			 JOIN files f ON f.file_id = rf.file_id
			 WHERE f.user_id = ? AND rf.file_id = ?`,
			userID,
			fileID,
		)
		var status storage.FileStatus
		if err := row.Scan(&status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return storage.ErrRcvFileNotFound
			}
			return fmt.Errorf("find rcv file: %w", err)
		}
		if status != storage.FileNew {
			return storage.ErrRcvFileInvalid
		}

		conn, err := insertConnection(ctx, tx, userID, agentConnID, storage.ConnRcvFile, storage.ConnNew, 0, 0, fileID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE rcv_files SET file_status = ?, connection_id = ? WHERE file_id = ?`,
			storage.FileAccepted,
			conn.ID,
			fileID,
		); err != nil {
			return fmt.Errorf("accept rcv file: %w", err)
		}
		res, err := tx.ExecContext(
			ctx,
			`UPDATE files SET file_path = ? WHERE file_id = ?`,
			filePath,
			fileID,
		)
		if err != nil {
			return fmt.Errorf("set rcv file path: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("set rcv file path: %w", err)
		}
		if affected == 0 {
			return storage.ErrFileNotFound
		}
		return nil
	})
	if err != nil {
		return storage.RcvFileTransfer{}, err
	}

	transfer, err = s.GetRcvFileTransfer(ctx, userID, fileID)
	if err != nil {
		return storage.RcvFileTransfer{}, err
	}
	return transfer, nil
}

// ClassifyRcvChunk classifies one incoming chunk against the last chunk
// on record. In sequence means one past the last stored chunk (or the
// first chunk of a fresh transfer); the chunk covering the remainder of
// the file is final; a redelivery of the last stored chunk is a
// duplicate, whatever agent message carried it; anything else, including
// any chunk past a stored final one, is a protocol error. In-order
// chunks are recorded inside the same transaction.
func (s *Store) ClassifyRcvChunk(ctx context.Context, t storage.RcvFileTransfer, chunkNo int64, agentMsgID int64) (storage.RcvChunkVerdict, error) {
	if chunkNo < 1 {
		return storage.ChunkError, nil
	}

	verdict := storage.ChunkError
	err := s.withTx(ctx, "classify rcv chunk", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(
			ctx,
			`SELECT chunk_number FROM rcv_file_chunks
			 WHERE file_id = ?
			 ORDER BY chunk_number DESC
			 LIMIT 1`,
			t.FileID,
		)
		var last int64
		switch err := row.Scan(&last); {
		case errors.Is(err, sql.ErrNoRows):
			last = 0
		case err != nil:
			return fmt.Errorf("read rcv chunks: %w", err)
		}

		switch {
		case chunkNo == last:
			verdict = storage.ChunkDuplicate
			return nil
		case chunkNo != last+1:
			verdict = storage.ChunkError
			return nil
		case last*t.ChunkSize >= t.FileSize:
			// The stored chunks already cover the file.
			verdict = storage.ChunkError
			return nil
		}

		if chunkNo*t.ChunkSize >= t.FileSize {
			verdict = storage.ChunkFinal
		} else {
			verdict = storage.ChunkOk
		}
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO rcv_file_chunks (file_id, chunk_number, chunk_agent_msg_id) VALUES (?, ?, ?)`,
			t.FileID,
			chunkNo,
			agentMsgID,
		); err != nil {
			return fmt.Errorf("record rcv chunk: %w", err)
		}
		return nil
	})
	if err != nil {
		return storage.ChunkError, err
	}
	return verdict, nil
}

// MarkRcvChunkStored confirms a classified chunk was appended to the
// local file.
func (s *Store) MarkRcvChunkStored(ctx context.Context, t storage.RcvFileTransfer, chunkNo int64) error {
	return s.withTx(ctx, "mark rcv chunk stored", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(
			ctx,
			`UPDATE rcv_file_chunks SET chunk_stored = 1 WHERE file_id = ? AND chunk_number = ?`,
			t.FileID,
			chunkNo,
		)
		if err != nil {
			return fmt.Errorf("mark chunk stored: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mark chunk stored: %w", err)
		}
		if affected == 0 {
			return storage.ErrRcvFileNotFound
		}
		return nil
	})
}

// UpdateRcvFileStatus persists a transfer status change.
func (s *Store) UpdateRcvFileStatus(ctx context.Context, t storage.RcvFileTransfer, status storage.FileStatus) error {
	return s.withTx(ctx, "update rcv file status", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(
			ctx,
			`UPDATE rcv_files SET file_status = ? WHERE file_id = ?`,
			status,
			t.FileID,
		)
		if err != nil {
			return fmt.Errorf("update rcv file status: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update rcv file status: %w", err)
		}
		if affected == 0 {
			return storage.ErrRcvFileNotFound
		}
		return nil
	})
}
