package sqlinline

const QInsertJob = `--sql 8a0659b0-9944-4813-9032-967d540a08c4
insert into jobs (
    id, owner_id, request_id, batch_id, status, instruction,
    input_images, reference_images, backend, model, image_size, aspect_ratio,
    reserved_tokens, settled_tokens, retry_count, created_at, updated_at
)
values (
    $1::uuid, $2::uuid, $3::text, nullif($4::text, ''), 'pending', $5::text,
    $6::jsonb, $7::jsonb, $8::text, $9::text, $10::text, $11::text,
    $12::bigint, 0, 0, now(), now()
);
`

// QClaimJob hands the oldest pending job to exactly one worker. Pending rows
// are the queue; skip locked keeps competing workers from blocking each
// other, and the status flip is the pending->processing transition.
const QClaimJob = `--sql d9023701-c805-4185-b118-059ab98c6242
with next_job as (
    select id
    from jobs
    where status = 'pending'
    order by created_at asc
    for update skip locked
    limit 1
),
updated as (
    update jobs
    set status = 'processing', started_at = now(), updated_at = now()
    where id in (select id from next_job)
    returning id, owner_id, request_id, instruction, input_images, reference_images,
              backend, model, image_size, aspect_ratio, reserved_tokens, retry_count,
              created_at, started_at
)
select * from updated;
`

// QFinalizeJob writes the terminal record. The status predicate makes the
// transition a compare-and-set: whoever loses the race gets zero rows and
// must not settle the ledger.
const QFinalizeJob = `--sql d2632c39-5749-4704-b18d-81dce61872d9
update jobs
set status        = $2::text,
    result_images = $3::jsonb,
    result_text   = $4::text,
    usage_json    = $5::jsonb,
    error_code    = $6::text,
    error_message = $7::text,
    settled_tokens = $8::bigint,
    completed_at  = now(),
    updated_at    = now()
where id = $1::uuid
  and status = 'processing';
`

const QBumpRetryCount = `--sql 6e5e6f06-5197-4b86-910b-cbaf3fe8e1c8
update jobs
set retry_count = retry_count + 1, updated_at = now()
where id = $1::uuid;
`

// QSelectJobForOwner enforces ownership in the predicate so a foreign job id
// is indistinguishable from a missing one.
const QSelectJobForOwner = `--sql 8e4b615f-e00e-437f-8a1a-8c459c4d8a03
select id, owner_id, request_id, coalesce(batch_id, ''), status, instruction,
       backend, model, image_size, aspect_ratio,
       result_images, coalesce(result_text, ''), usage_json,
       coalesce(error_code, ''), coalesce(error_message, ''),
       reserved_tokens, settled_tokens, retry_count,
       created_at, started_at, completed_at
from jobs
where id = $1::uuid and owner_id = $2::uuid
limit 1;
`

// QExpireProcessingJobs times out processing jobs whose wall budget ran out.
// Same compare-and-set shape as QFinalizeJob, batched; the returned rows are
// the ones this sweep owns the refund for.
const QExpireProcessingJobs = `--sql 65a218d7-cf7f-491d-bb60-c8c6d425c5c3
with expired as (
    select id
    from jobs
    where status = 'processing'
      and started_at < now() - ($1::bigint * interval '1 second')
    for update skip locked
),
updated as (
    update jobs
    set status = 'timed_out',
        error_code = 'TIMEOUT',
        error_message = $2::text,
        completed_at = now(),
        updated_at = now()
    where id in (select id from expired)
    returning id, owner_id, backend, reserved_tokens
)
select * from updated;
`
